// Package auth validates the session tokens clients present at the WebSocket
// upgrade. Tokens are either verified locally against a shared HS256 secret
// or delegated to the account service's introspection endpoint.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/watchroom-live/backend/internal/v1/logging"
)

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	UserID      string
	DisplayName string
	IsAnonymous bool
}

// TokenValidator resolves a bearer token into an identity.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// ErrUnauthorized is returned for missing, malformed, expired or otherwise
// unverifiable tokens.
var ErrUnauthorized = errors.New("unauthorized")

// SessionClaims are the claims the account service places in session tokens.
type SessionClaims struct {
	DisplayName string `json:"name,omitempty"`
	Anonymous   bool   `json:"anon,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies session tokens. With a secret configured, verification
// is local HS256; on local failure, or with no secret at all, the token is
// introspected against providerURL when one is configured.
type Validator struct {
	secret      []byte
	providerURL string
	httpClient  *retryablehttp.Client
}

// NewValidator builds a validator. At least one of secret and providerURL
// must be set; config validation enforces that before startup.
func NewValidator(secret, providerURL string) *Validator {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &Validator{
		secret:      []byte(secret),
		providerURL: providerURL,
		httpClient:  client,
	}
}

// Validate resolves the token into an identity.
func (v *Validator) Validate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if len(v.secret) > 0 {
		identity, err := v.validateLocal(token)
		if err == nil {
			return identity, nil
		}
		if v.providerURL == "" {
			return Identity{}, err
		}
		// Tokens minted by the account service itself may not carry our
		// shared secret; let the provider have the final word.
		logging.Warn(ctx, "Local token verification failed, falling back to provider", zap.Error(err))
		return v.introspect(ctx, token)
	}
	return v.introspect(ctx, token)
}

func (v *Validator) validateLocal(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}
	return Identity{
		UserID:      claims.Subject,
		DisplayName: name,
		IsAnonymous: claims.Anonymous,
	}, nil
}

// introspectResponse is the account service's token introspection shape.
type introspectResponse struct {
	Active      bool   `json:"active"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Anonymous   bool   `json:"anonymous"`
}

func (v *Validator) introspect(ctx context.Context, token string) (Identity, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, v.providerURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("token introspection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Identity{}, fmt.Errorf("%w: provider rejected token", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("token introspection returned %d", resp.StatusCode)
	}

	var body introspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Identity{}, fmt.Errorf("decode introspection response: %w", err)
	}
	if !body.Active || body.UserID == "" {
		return Identity{}, fmt.Errorf("%w: inactive token", ErrUnauthorized)
	}

	name := body.DisplayName
	if name == "" {
		name = body.UserID
	}
	return Identity{
		UserID:      body.UserID,
		DisplayName: name,
		IsAnonymous: body.Anonymous,
	}, nil
}

// ParseAllowedOrigins splits a comma-separated origin allowlist, falling back
// to the given development defaults when the value is empty.
func ParseAllowedOrigins(originsStr string, defaultOrigins []string) []string {
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("ALLOWED_ORIGINS not configured. Using default development origins:\n%s", defaultOrigins))
		return defaultOrigins
	}
	return strings.Split(originsStr, ",")
}
