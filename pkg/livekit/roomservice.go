package livekit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to a LiveKit deployment.
type Client struct {
	baseURL    string
	minter     *TokenMinter
	httpClient *retryablehttp.Client
}

// NewClient builds a client for the deployment at baseURL (http/https host,
// no trailing slash required).
func NewClient(baseURL, apiKey, apiSecret string) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 2
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = time.Second
	hc.HTTPClient.Timeout = 5 * time.Second
	hc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		minter:     NewTokenMinter(apiKey, apiSecret),
		httpClient: hc,
	}
}

// Minter returns the token minter sharing this client's key pair.
func (c *Client) Minter() *TokenMinter {
	return c.minter
}

// participantInfo is the subset of LiveKit's ParticipantInfo we consume.
type participantInfo struct {
	Identity string `json:"identity"`
}

type listParticipantsResponse struct {
	Participants []participantInfo `json:"participants"`
}

// CountBySlot returns how many connected participants in the room occupy the
// given slot. Identities have the shape "userId:slot" or "userId:slot-tab";
// the slot must match exactly or up to the tab delimiter, so "table-1" never
// counts "table-10" occupants. A room that does not exist on the media server
// yet counts as empty.
func (c *Client) CountBySlot(ctx context.Context, room, slot string) (int, error) {
	body, err := json.Marshal(map[string]string{"room": room})
	if err != nil {
		return 0, fmt.Errorf("marshal list request: %w", err)
	}

	url := c.baseURL + "/twirp/livekit.RoomService/ListParticipants"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build list request: %w", err)
	}

	admin, err := c.minter.mintAdmin(room)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+admin)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("list participants returned %d", resp.StatusCode)
	}

	var parsed listParticipantsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode participants: %w", err)
	}

	n := 0
	for _, p := range parsed.Participants {
		_, rest, ok := strings.Cut(p.Identity, ":")
		if !ok {
			continue
		}
		if rest == slot || strings.HasPrefix(rest, slot+"-") {
			n++
		}
	}
	return n, nil
}
