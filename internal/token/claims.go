package token

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
	TypeReset   = "reset"
)

// Claims defines the custom JWT claims for all three token types.
// sub carries the user id; sid/did bind the token to a session and device.
type Claims struct {
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   string   `json:"type"`
	SessionID   string   `json:"sid,omitempty"`
	DeviceID    string   `json:"did,omitempty"`
	Email       string   `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *Claims) UserID() string { return c.Subject }

// JTI returns the token id.
func (c *Claims) JTI() string { return c.ID }
