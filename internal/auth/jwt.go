// Package auth verifies the tokens clients present when connecting. It
// never issues tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
)

var (
	ErrMissingToken = errors.New("auth: token missing")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

// Claims is the identity a verified token asserts.
type Claims struct {
	UserID string
	Role   string
}

// Verifier turns an opaque token into an identity claim.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

type tokenClaims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HMAC-signed JWTs. The user id is read from the
// userId claim, falling back to sub.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

type JWTConfig struct {
	Secret string
	Issuer string // checked when set
	Leeway time.Duration
	Clock  clock.Clock
}

func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	clk := clock.Or(cfg.Clock)
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clk.Now),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTVerifier{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrMissingToken
	}
	var tc tokenClaims
	_, err := v.parser.ParseWithClaims(raw, &tc, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	uid := tc.UserID
	if uid == "" {
		uid = tc.Subject
	}
	if uid == "" {
		return Claims{}, fmt.Errorf("%w: no user id claim", ErrInvalidToken)
	}
	return Claims{UserID: uid, Role: tc.Role}, nil
}

// TokenFromRequest finds a token in the upgrade request: the token query
// parameter, then an Authorization bearer header, then a
// Sec-WebSocket-Protocol entry of the form "bearer.<token>". The second
// result names the subprotocol to echo back, if one carried the token.
func TokenFromRequest(r *http.Request) (token, subprotocol string) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):]), ""
		}
	}
	for _, line := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(line, ",") {
			p = strings.TrimSpace(p)
			if t, ok := strings.CutPrefix(p, "bearer."); ok && t != "" {
				return t, p
			}
		}
	}
	return "", ""
}

type contextKey struct{}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(contextKey{}).(Claims)
	return c, ok
}
