package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/code-100-precent/lingecho-gateway/pkg/cache"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret   = "s3cret-signing-key"
	testAudience = "voice-gateway"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestAuth(cfg Config, replay cache.Cache) *Authenticator {
	a := New(cfg, replay, zap.NewNop())
	a.nowFunc = func() time.Time { return fixedNow }
	return a
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "call-router",
		"aud": testAudience,
		"exp": fixedNow.Add(5 * time.Minute).Unix(),
		"nbf": fixedNow.Add(-time.Minute).Unix(),
	}
}

func signedConfig() Config {
	return Config{SigningSecret: testSecret, Audience: testAudience, Skew: 30 * time.Second}
}

func request(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, nil)
}

func TestAuthenticateOpen(t *testing.T) {
	a := newTestAuth(Config{}, nil)
	res, err := a.Authenticate(request("/stream"))
	require.NoError(t, err)
	assert.Equal(t, ModeOpen, res.Mode)
	assert.True(t, a.Open())
}

func TestAuthenticateSignedToken(t *testing.T) {
	a := newTestAuth(signedConfig(), nil)
	token := signToken(t, testSecret, validClaims())

	res, err := a.Authenticate(request("/stream?token=" + token))
	require.NoError(t, err)
	assert.Equal(t, ModeSignedToken, res.Mode)
	assert.Equal(t, "call-router", res.Subject)
}

func TestAuthenticateSignedTokenReasons(t *testing.T) {
	cases := []struct {
		name   string
		secret string
		mutate func(jwt.MapClaims)
		want   error
	}{
		{"wrong signature", "other-secret", func(jwt.MapClaims) {}, ErrSignatureMismatch},
		{"expired", testSecret, func(c jwt.MapClaims) { c["exp"] = fixedNow.Add(-time.Minute).Unix() }, ErrExpired},
		{"not yet valid", testSecret, func(c jwt.MapClaims) { c["nbf"] = fixedNow.Add(time.Minute).Unix() }, ErrNotYetValid},
		{"wrong audience", testSecret, func(c jwt.MapClaims) { c["aud"] = "someone-else" }, ErrAudienceMismatch},
		{"missing exp", testSecret, func(c jwt.MapClaims) { delete(c, "exp") }, ErrMalformedToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAuth(signedConfig(), nil)
			claims := validClaims()
			tc.mutate(claims)
			token := signToken(t, tc.secret, claims)

			for i := 0; i < 3; i++ {
				_, err := a.Authenticate(request("/stream?token=" + token))
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestAuthenticateSkewTolerance(t *testing.T) {
	a := newTestAuth(signedConfig(), nil)
	claims := validClaims()
	claims["exp"] = fixedNow.Add(-10 * time.Second).Unix()
	claims["nbf"] = fixedNow.Add(10 * time.Second).Unix()

	res, err := a.Authenticate(request("/stream?token=" + signToken(t, testSecret, claims)))
	require.NoError(t, err)
	assert.Equal(t, ModeSignedToken, res.Mode)
}

func TestAuthenticateMalformedSignedToken(t *testing.T) {
	a := newTestAuth(signedConfig(), nil)
	_, err := a.Authenticate(request("/stream?token=a.b.c"))
	assert.ErrorIs(t, err, ErrMalformedToken)
	assert.Equal(t, "malformed_token", Reason(err))

	_, err = a.Authenticate(request("/stream?token=opaque"))
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestAuthenticateStaticToken(t *testing.T) {
	a := newTestAuth(Config{StaticToken: "shared"}, nil)

	res, err := a.Authenticate(request("/stream/shared"))
	require.NoError(t, err)
	assert.Equal(t, ModeStaticToken, res.Mode)

	_, err = a.Authenticate(request("/stream?token=nope"))
	assert.ErrorIs(t, err, ErrStaticMismatch)

	_, err = a.Authenticate(request("/stream"))
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.Equal(t, "missing_credential", Reason(err))
}

func TestAuthenticateSignedFailureFallsBackToStatic(t *testing.T) {
	cfg := signedConfig()
	cfg.StaticToken = "x.y.z"
	a := newTestAuth(cfg, nil)

	res, err := a.Authenticate(request("/stream?token=x.y.z"))
	require.NoError(t, err)
	assert.Equal(t, ModeStaticToken, res.Mode)

	claims := validClaims()
	claims["exp"] = fixedNow.Add(-time.Hour).Unix()
	_, err = a.Authenticate(request("/stream?token=" + signToken(t, testSecret, claims)))
	assert.ErrorIs(t, err, ErrExpired, "signed reason wins over static mismatch")
}

func TestCredentialPriority(t *testing.T) {
	a := newTestAuth(Config{StaticToken: "q", StreamPath: "/stream"}, nil)

	r := request("/stream/p?token=q")
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "q", a.credential(r))

	r = request("/stream/p")
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "p", a.credential(r))

	r = request("/stream")
	r.Header.Set("Authorization", "Bearer h")
	r.Header.Set(headerToken, "x")
	assert.Equal(t, "h", a.credential(r))

	r = request("/stream")
	r.Header.Set(headerToken, "x")
	assert.Equal(t, "x", a.credential(r))
}

func TestPathToken(t *testing.T) {
	assert.Equal(t, "abc", pathToken("/stream/abc", "/stream"))
	assert.Equal(t, "abc", pathToken("/stream/abc/", "/stream/"))
	assert.Equal(t, "abc", pathToken("/stream/tenant/abc", "/stream"))
	assert.Empty(t, pathToken("/stream", "/stream"))
	assert.Empty(t, pathToken("/streamer/abc", "/stream"))
}

func TestSingleUseTokens(t *testing.T) {
	cfg := signedConfig()
	cfg.SingleUse = true
	a := newTestAuth(cfg, cache.NewLocalCache(cache.LocalConfig{MaxSize: 16}))

	claims := validClaims()
	claims["jti"] = "call-42"
	token := signToken(t, testSecret, claims)

	_, err := a.Authenticate(request("/stream?token=" + token))
	require.NoError(t, err)
	_, err = a.Authenticate(request("/stream?token=" + token))
	assert.ErrorIs(t, err, ErrTokenReplayed)

	// tokens without jti are keyed by their hash
	plain := signToken(t, testSecret, validClaims())
	_, err = a.Authenticate(request("/stream?token=" + plain))
	require.NoError(t, err)
	_, err = a.Authenticate(request("/stream?token=" + plain))
	assert.ErrorIs(t, err, ErrTokenReplayed)
	assert.True(t, a.replay.Exists(context.Background(), replayKeySpace+"call-42"))
}

func TestProviderSignature(t *testing.T) {
	cfg := Config{ProviderAuthToken: "twilio-token", PublicBaseURL: "https://gw.example.com"}
	a := newTestAuth(cfg, nil)

	r := request("/stream?b=2&a=1")
	assert.Equal(t, SignatureAbsent, a.VerifyProviderSignature(r))

	r.Header.Set(ProviderSignatureHeader, SignProvider("twilio-token", "wss://gw.example.com/streama1b2"))
	assert.Equal(t, SignatureValid, a.VerifyProviderSignature(r))

	r.Header.Set(ProviderSignatureHeader, SignProvider("twilio-token", "wss://gw.example.com/stream?b=2&a=1"))
	assert.Equal(t, SignatureValid, a.VerifyProviderSignature(r))

	r.Header.Set(ProviderSignatureHeader, SignProvider("wrong", "wss://gw.example.com/streama1b2"))
	assert.Equal(t, SignatureInvalid, a.VerifyProviderSignature(r))

	assert.Equal(t, SignatureSkipped, newTestAuth(Config{}, nil).VerifyProviderSignature(r))
}

func TestProviderSignatureToleratedUnlessRequired(t *testing.T) {
	cfg := Config{StaticToken: "shared", ProviderAuthToken: "twilio-token"}
	res, err := newTestAuth(cfg, nil).Authenticate(request("/stream?token=shared"))
	require.NoError(t, err)
	assert.Equal(t, SignatureAbsent, res.ProviderSignature)

	cfg.SignatureRequired = true
	_, err = newTestAuth(cfg, nil).Authenticate(request("/stream?token=shared"))
	assert.ErrorIs(t, err, ErrProviderSignature)

	r := request("/stream?token=shared")
	r.Host = "gw.internal"
	r.Header.Set(ProviderSignatureHeader, SignProvider("twilio-token", "wss://gw.internal/streamtokenshared"))
	res, err = newTestAuth(cfg, nil).Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, SignatureValid, res.ProviderSignature)
}
