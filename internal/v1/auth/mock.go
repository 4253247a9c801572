package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
)

// MockValidator is a development-only validator that accepts any token. It
// still decodes the payload so the userId matches what the frontend signed,
// which keeps presence and controller checks coherent in dev.
type MockValidator struct{}

func (m *MockValidator) Validate(_ context.Context, tokenString string) (Identity, error) {
	var subject, name string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if n, ok := claims["name"].(string); ok {
					name = n
				}
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}

	return Identity{UserID: subject, DisplayName: name}, nil
}
