package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/code-100-precent/lingecho-gateway/pkg/cache"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Mode reports how an upgrade was authenticated.
type Mode string

const (
	ModeOpen        Mode = "open"
	ModeSignedToken Mode = "signed-token"
	ModeStaticToken Mode = "static-token"
)

const (
	queryTokenKey  = "token"
	headerToken    = "X-Stream-Token"
	replayKeySpace = "stream:jti:"
)

// Config configures the upgrade authenticator.
type Config struct {
	StreamPath    string
	StaticToken   string
	SigningSecret string
	Audience      string
	Skew          time.Duration
	SingleUse     bool

	ProviderAuthToken string
	PublicBaseURL     string
	SignatureRequired bool
}

// Result is the outcome of a successful authentication.
type Result struct {
	Mode              Mode
	Subject           string
	Claims            jwt.MapClaims
	ProviderSignature SignatureStatus
}

// Authenticator validates stream upgrade requests before any session exists.
type Authenticator struct {
	cfg     Config
	replay  cache.Cache
	logger  *zap.Logger
	nowFunc func() time.Time
}

// New creates an Authenticator. replay may be nil when single-use tokens are
// disabled.
func New(cfg Config, replay cache.Cache, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/stream"
	}
	a := &Authenticator{cfg: cfg, replay: replay, logger: logger, nowFunc: time.Now}
	if a.Open() {
		logger.Warn("[Auth] no stream token configured, every upgrade is accepted")
	}
	if cfg.SingleUse && replay == nil {
		logger.Warn("[Auth] single-use tokens requested without a cache, replay guard disabled")
	}
	return a
}

// Open reports whether credential checking is disabled.
func (a *Authenticator) Open() bool {
	return a.cfg.StaticToken == "" && a.cfg.SigningSecret == ""
}

// Authenticate checks the provider signature and the stream credential.
func (a *Authenticator) Authenticate(r *http.Request) (Result, error) {
	status := a.VerifyProviderSignature(r)
	switch status {
	case SignatureAbsent:
		a.logger.Info("[Auth] provider signature absent", zap.String("path", r.URL.Path))
	case SignatureInvalid:
		a.logger.Warn("[Auth] provider signature invalid", zap.String("path", r.URL.Path))
	}
	if a.cfg.SignatureRequired && (status == SignatureAbsent || status == SignatureInvalid) {
		return Result{ProviderSignature: status}, ErrProviderSignature
	}

	if a.Open() {
		return Result{Mode: ModeOpen, ProviderSignature: status}, nil
	}

	credential := a.credential(r)
	if credential == "" {
		return Result{ProviderSignature: status}, ErrMissingCredential
	}

	var signedErr error
	if a.cfg.SigningSecret != "" && looksSigned(credential) {
		claims, err := a.verifySigned(credential)
		if err == nil {
			if err := a.claimOnce(r.Context(), credential, claims); err != nil {
				return Result{ProviderSignature: status}, err
			}
			subject, _ := claims.GetSubject()
			return Result{Mode: ModeSignedToken, Subject: subject, Claims: claims, ProviderSignature: status}, nil
		}
		signedErr = err
	}

	if a.cfg.StaticToken != "" {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(a.cfg.StaticToken)) == 1 {
			return Result{Mode: ModeStaticToken, ProviderSignature: status}, nil
		}
		if signedErr == nil {
			return Result{ProviderSignature: status}, ErrStaticMismatch
		}
	}

	if signedErr != nil {
		return Result{ProviderSignature: status}, signedErr
	}
	return Result{ProviderSignature: status}, ErrMalformedToken
}

// credential looks in the query, then the path suffix, then the headers.
func (a *Authenticator) credential(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get(queryTokenKey)); v != "" {
		return v
	}
	if v := pathToken(r.URL.Path, a.cfg.StreamPath); v != "" {
		return v
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if v := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); v != "" {
			return v
		}
	}
	return strings.TrimSpace(r.Header.Get(headerToken))
}

// pathToken returns the last segment below streamPath, e.g. "/stream/abc" -> "abc".
func pathToken(path, streamPath string) string {
	base := strings.TrimSuffix(streamPath, "/")
	if !strings.HasPrefix(path, base+"/") {
		return ""
	}
	rest := strings.Trim(strings.TrimPrefix(path, base+"/"), "/")
	if rest == "" {
		return ""
	}
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		rest = rest[i+1:]
	}
	return rest
}

func looksSigned(credential string) bool {
	return strings.Count(credential, ".") == 2
}

func (a *Authenticator) verifySigned(token string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.Skew),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.nowFunc),
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(a.cfg.SigningSecret), nil
	}, opts...)
	if err == nil {
		return claims, nil
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrSignatureMismatch
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return nil, ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return nil, ErrAudienceMismatch
	default:
		a.logger.Debug("[Auth] token rejected", zap.Error(err))
		return nil, ErrMalformedToken
	}
}

// claimOnce marks a signed token as used until it expires. Cache failures
// are logged and the token is accepted.
func (a *Authenticator) claimOnce(ctx context.Context, token string, claims jwt.MapClaims) error {
	if !a.cfg.SingleUse || a.replay == nil {
		return nil
	}
	id, _ := claims["jti"].(string)
	if id == "" {
		sum := sha256.Sum256([]byte(token))
		id = hex.EncodeToString(sum[:])
	}
	ttl := a.cfg.Skew
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ttl += exp.Sub(a.nowFunc())
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	fresh, err := a.replay.SetNX(ctx, replayKeySpace+id, true, ttl)
	if err != nil {
		a.logger.Warn("[Auth] replay guard unavailable", zap.Error(err))
		return nil
	}
	if !fresh {
		return ErrTokenReplayed
	}
	return nil
}
