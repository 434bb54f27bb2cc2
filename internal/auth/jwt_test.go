package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
)

const secret = "test-secret"

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(JWTConfig{Secret: secret, Clock: clock.NewManual(now)})
	require.NoError(t, err)
	return v
}

func TestVerify(t *testing.T) {
	v := newVerifier(t)
	exp := now.Add(time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		want    Claims
		wantErr error
	}{
		{
			name:  "userId claim",
			token: sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"userId": "u1", "role": "creator", "exp": exp}),
			want:  Claims{UserID: "u1", Role: "creator"},
		},
		{
			name:  "subject fallback",
			token: sign(t, jwt.SigningMethodHS512, []byte(secret), jwt.MapClaims{"sub": "u2", "exp": exp}),
			want:  Claims{UserID: "u2"},
		},
		{
			name:    "wrong secret",
			token:   sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"userId": "u1", "exp": exp}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "expired",
			token:   sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"userId": "u1", "exp": now.Add(-time.Minute).Unix()}),
			wantErr: ErrExpiredToken,
		},
		{
			name:    "no expiry",
			token:   sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"userId": "u1"}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "no user",
			token:   sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"role": "admin", "exp": exp}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "unsigned",
			token:   sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{"userId": "u1", "exp": exp}),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "garbage",
			token:   "not.a.jwt",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "empty",
			wantErr: ErrMissingToken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(context.Background(), tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerifyIssuer(t *testing.T) {
	v, err := NewJWTVerifier(JWTConfig{Secret: secret, Issuer: "platform", Clock: clock.NewManual(now)})
	require.NoError(t, err)
	exp := now.Add(time.Hour).Unix()

	_, err = v.Verify(context.Background(), sign(t, jwt.SigningMethodHS256, []byte(secret),
		jwt.MapClaims{"userId": "u1", "iss": "elsewhere", "exp": exp}))
	assert.ErrorIs(t, err, ErrInvalidToken)

	c, err := v.Verify(context.Background(), sign(t, jwt.SigningMethodHS256, []byte(secret),
		jwt.MapClaims{"userId": "u1", "iss": "platform", "exp": exp}))
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier(JWTConfig{})
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	tok, proto := TokenFromRequest(r)
	assert.Equal(t, "q", tok)
	assert.Empty(t, proto)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "bearer h")
	tok, _ = TokenFromRequest(r)
	assert.Equal(t, "h", tok)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "json, bearer.p")
	tok, proto = TokenFromRequest(r)
	assert.Equal(t, "p", tok)
	assert.Equal(t, "bearer.p", proto)

	tok, _ = TokenFromRequest(httptest.NewRequest("GET", "/ws", nil))
	assert.Empty(t, tok)
}

func TestClaimsContext(t *testing.T) {
	_, ok := ClaimsFrom(context.Background())
	assert.False(t, ok)

	ctx := WithClaims(context.Background(), Claims{UserID: "u1"})
	c, ok := ClaimsFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", c.UserID)
}
