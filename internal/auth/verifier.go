// Package auth resolves bearer credentials into a caller identity.
// Tokens are issued elsewhere; this package only verifies them.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/apperr"
)

const RoleAdmin = "admin"

type Identity struct {
	UserID string
	Email  string
	Role   string
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret, issuer string) *Verifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// Verify accepts a raw token or an Authorization header value.
func (v *Verifier) Verify(credential string) (Identity, error) {
	raw := strings.TrimSpace(credential)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return Identity{}, apperr.E(apperr.Unauthorized, "missing credential")
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, apperr.Wrap(apperr.Unauthorized, err, "invalid credential")
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Identity{}, apperr.E(apperr.Unauthorized, "credential carries no user")
	}
	return Identity{UserID: userID, Email: claims.Email, Role: claims.Role}, nil
}
