package facilitator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
)

// AuthProvider returns headers authenticating one facilitator request.
type AuthProvider interface {
	Headers(ctx context.Context, method string, u *url.URL) (http.Header, error)
}

// DefaultTokenTTL is the lifetime of generated request tokens.
const DefaultTokenTTL = 2 * time.Minute

// Claims are carried by facilitator request tokens. URI binds the token to
// a single "METHOD host/path".
type Claims struct {
	URI string `json:"uri"`
	jwt.StandardClaims
}

// JWTAuth signs short lived HS256 tokens per request.
type JWTAuth struct {
	KeyID  string
	Secret []byte
	TTL    time.Duration

	now func() time.Time
}

// NewJWTAuth creates an AuthProvider for keyID and secret.
func NewJWTAuth(keyID, secret string) *JWTAuth {
	return &JWTAuth{KeyID: keyID, Secret: []byte(secret), TTL: DefaultTokenTTL, now: time.Now}
}

// Headers implements AuthProvider.
func (a *JWTAuth) Headers(ctx context.Context, method string, u *url.URL) (http.Header, error) {
	token, err := a.Token(method, u.Host, u.Path)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// Token returns a signed token for one request.
func (a *JWTAuth) Token(method, host, path string) (string, error) {
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	ttl := a.TTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	issued := now()

	claims := Claims{
		URI: RequestURI(method, host, path),
		StandardClaims: jwt.StandardClaims{
			Subject:   a.KeyID,
			Id:        uuid.NewString(),
			IssuedAt:  issued.Unix(),
			NotBefore: issued.Unix(),
			ExpiresAt: issued.Add(ttl).Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", fmt.Errorf("facilitator: sign token: %w", err)
	}
	return signed, nil
}

// RequestURI formats the uri claim.
func RequestURI(method, host, path string) string {
	return method + " " + host + path
}

// ErrInvalidToken is returned by ParseToken for rejected tokens.
var ErrInvalidToken = errors.New("facilitator: invalid token")

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
