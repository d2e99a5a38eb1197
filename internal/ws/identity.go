package ws

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims is the access-token payload issued by the accounts service.
type AccessClaims struct {
	jwt.RegisteredClaims
	Role      string `json:"role,omitempty"`
	TokenType string `json:"type"` // "access" or "refresh"
}

// IdentityResolver turns the token on an upgrade request into a user identity.
type IdentityResolver struct {
	secret []byte
}

// NewIdentityResolver returns a resolver verifying HS256 tokens with secret.
// An empty secret treats every connection as anonymous.
func NewIdentityResolver(secret []byte) *IdentityResolver {
	return &IdentityResolver{secret: secret}
}

// Resolve returns the user UUID (as a string) carried by the access token in
// ?token= or an Authorization: Bearer header.  Missing, invalid, expired or
// refresh tokens yield "" (anonymous).
func (r *IdentityResolver) Resolve(req *http.Request) string {
	if len(r.secret) == 0 {
		return ""
	}
	token := req.URL.Query().Get("token")
	if token == "" {
		if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return ""
	}
	id := r.parse(token)
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func (r *IdentityResolver) parse(tokenString string) uuid.UUID {
	tok, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	})
	if err != nil || !tok.Valid {
		return uuid.Nil
	}
	claims, ok := tok.Claims.(*AccessClaims)
	if !ok || claims.TokenType != "access" {
		return uuid.Nil
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil
	}
	return id
}
