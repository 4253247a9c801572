// Package livekit is a minimal client for the LiveKit media server: access
// token minting for room join grants and the RoomService participant listing
// used for capacity checks.
package livekit

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL keeps join tokens short-lived; the client connects to the
// media server immediately after receiving one.
const DefaultTokenTTL = 10 * time.Minute

// VideoGrant is LiveKit's room permission claim.
type VideoGrant struct {
	Room         string `json:"room,omitempty"`
	RoomJoin     bool   `json:"roomJoin,omitempty"`
	RoomAdmin    bool   `json:"roomAdmin,omitempty"`
	CanPublish   *bool  `json:"canPublish,omitempty"`
	CanSubscribe *bool  `json:"canSubscribe,omitempty"`
}

type claimGrants struct {
	Video VideoGrant `json:"video"`
	Name  string     `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenMinter signs LiveKit access tokens with the API key pair.
type TokenMinter struct {
	apiKey    string
	apiSecret string
}

// NewTokenMinter builds a minter for the given key pair.
func NewTokenMinter(apiKey, apiSecret string) *TokenMinter {
	return &TokenMinter{apiKey: apiKey, apiSecret: apiSecret}
}

// Mint signs a join token for identity in room. canPublish distinguishes
// stage/table participants from view-only ones.
func (m *TokenMinter) Mint(room, identity, displayName string, canPublish bool, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	yes := true
	now := time.Now()
	claims := claimGrants{
		Video: VideoGrant{
			Room:         room,
			RoomJoin:     true,
			CanPublish:   &canPublish,
			CanSubscribe: &yes,
		},
		Name: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.apiKey,
			Subject:   identity,
			ID:        identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.apiSecret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// mintAdmin signs a RoomService admin token for server-to-server calls.
func (m *TokenMinter) mintAdmin(room string) (string, error) {
	now := time.Now()
	claims := claimGrants{
		Video: VideoGrant{
			Room:      room,
			RoomAdmin: true,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.apiKey,
			Subject:   m.apiKey,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.apiSecret))
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}
