package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the identity provider's token claims this client reads.
type Claims struct {
	UserID            string `json:"user_id"`
	UID               string `json:"id"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	jwt.RegisteredClaims
}

// Identity is who this client is to the backend and the other participant.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

// DefaultDisplayName is used when the token carries neither a name nor an email.
const DefaultDisplayName = "You"

// ParseIdentity extracts the identity from a bearer token. The signature is
// not verified: the backend does that on every request, the client only
// needs to know its own id.
func ParseIdentity(token string) (Identity, error) {
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	id := Identity{Email: c.Email}
	switch {
	case c.UserID != "":
		id.UserID = c.UserID
	case c.UID != "":
		id.UserID = c.UID
	default:
		id.UserID = c.Subject
	}
	switch {
	case strings.TrimSpace(c.Name) != "":
		id.DisplayName = strings.TrimSpace(c.Name)
	case c.PreferredUsername != "":
		id.DisplayName = c.PreferredUsername
	case c.Email != "":
		id.DisplayName = c.Email
	default:
		id.DisplayName = DefaultDisplayName
	}
	if id.UserID == "" {
		return id, fmt.Errorf("parse token: no user id claim")
	}
	return id, nil
}

// Resolve combines the token claims with explicit overrides. An explicit
// user id makes the token claims optional.
func Resolve(token, userID, displayName string) (Identity, error) {
	id, err := ParseIdentity(token)
	if err != nil && userID == "" {
		return Identity{}, err
	}
	if userID != "" {
		id.UserID = userID
	}
	if displayName != "" {
		id.DisplayName = displayName
	}
	if id.DisplayName == "" {
		id.DisplayName = DefaultDisplayName
	}
	return id, nil
}
