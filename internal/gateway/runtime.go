package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/code-100-precent/lingecho-gateway/internal/session"
	"github.com/code-100-precent/lingecho-gateway/pkg/audit"
	"github.com/code-100-precent/lingecho-gateway/pkg/auth"
	"github.com/code-100-precent/lingecho-gateway/pkg/cache"
	"github.com/code-100-precent/lingecho-gateway/pkg/config"
	"github.com/code-100-precent/lingecho-gateway/pkg/metrics"
	"github.com/code-100-precent/lingecho-gateway/pkg/recorder"
	"github.com/code-100-precent/lingecho-gateway/pkg/storage"
	"github.com/code-100-precent/lingecho-gateway/pkg/voiceagent"
	"go.uber.org/zap"
)

const (
	storageProbeTimeout = 5 * time.Second
	// connectionsKey counts open streams in the shared cache; with a redis
	// cache every instance contributes to the same number.
	connectionsKey = "gateway:connections"
)

// Option customises a Runtime.
type Option func(*Runtime)

// WithObjectStore replaces the store built from configuration.
func WithObjectStore(store storage.ObjectStore) Option {
	return func(r *Runtime) { r.store = store }
}

// WithVendorFactory replaces the vendor client factory.
func WithVendorFactory(fn func(logger *zap.Logger) session.Vendor) Option {
	return func(r *Runtime) { r.newVendor = fn }
}

// WithRecorderFactory replaces the recorder built for each call.
func WithRecorderFactory(fn func(callID string) recorder.Sink) Option {
	return func(r *Runtime) { r.recorderFactory = fn }
}

// WithCache replaces the cache built from configuration.
func WithCache(c cache.Cache) Option {
	return func(r *Runtime) { r.cache = c }
}

// Runtime is the process wide state shared by every session. It is built
// once at startup and handed to the HTTP layer.
type Runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	startedAt time.Time

	Metrics *metrics.Gateway
	Auth    *auth.Authenticator
	bus     *audit.Bus
	cache   cache.Cache
	store   storage.ObjectStore

	newVendor       func(logger *zap.Logger) session.Vendor
	recorderFactory func(callID string) recorder.Sink

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New wires the runtime from configuration. Recording is disabled, not
// fatal, when the object store cannot be reached.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
		Metrics:   metrics.NewGateway(),
		sessions:  make(map[string]*session.Session),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}

	if r.cache == nil {
		c, err := cache.NewCache(cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("init cache: %w", err)
		}
		r.cache = c
	}

	r.bus = audit.NewBus(logger)
	r.bus.Subscribe("*", audit.NewLogSink(logger).Handle)
	if cfg.Audit.WebhookURL != "" {
		r.bus.Subscribe("*", audit.NewWebhookSink(cfg.Audit.WebhookURL, cfg.Audit.WebhookKey, cfg.Audit.WebhookTimeout).Handle)
		logger.Info("[Gateway] audit webhook enabled", zap.String("url", cfg.Audit.WebhookURL))
	}

	r.Auth = auth.New(auth.Config{
		StreamPath:        cfg.Stream.Path,
		StaticToken:       cfg.Auth.StaticToken,
		SigningSecret:     cfg.Auth.SigningSecret,
		Audience:          cfg.Auth.Audience,
		Skew:              cfg.Auth.Skew,
		SingleUse:         cfg.Auth.SingleUse,
		ProviderAuthToken: cfg.Provider.AuthToken,
		PublicBaseURL:     cfg.Provider.PublicBaseURL,
		SignatureRequired: cfg.Provider.SignatureRequired,
	}, r.cache, logger)

	if r.newVendor == nil {
		r.newVendor = r.dialVendor
	}
	if cfg.Recording.Enabled {
		r.openStore(ctx)
	} else {
		r.store = nil
	}
	return r, nil
}

func (r *Runtime) openStore(ctx context.Context) {
	if r.store == nil {
		st := r.cfg.Storage
		store, err := storage.Open(ctx, storage.Config{
			Driver:               st.Driver,
			Endpoint:             st.Endpoint,
			Region:               st.Region,
			Bucket:               st.Bucket,
			AccessKey:            st.AccessKey,
			SecretKey:            st.SecretKey,
			PathStyle:            st.PathStyle,
			LingStorageBaseURL:   st.LingStorage.BaseURL,
			LingStorageAPIKey:    st.LingStorage.APIKey,
			LingStorageAPISecret: st.LingStorage.APISecret,
		}, r.logger)
		if err != nil {
			r.logger.Warn("[Gateway] recording disabled, object store unavailable", zap.Error(err))
			return
		}
		r.store = store
	}
	if err := storage.Probe(ctx, r.store, storageProbeTimeout); err != nil {
		r.logger.Warn("[Gateway] recording disabled", zap.Error(err))
		r.store = nil
		return
	}
	r.logger.Info("[Gateway] recording enabled", zap.String("store", r.store.Name()))
}

// Context is cancelled when the runtime shuts down; sessions run under it.
func (r *Runtime) Context() context.Context { return r.ctx }

func (r *Runtime) Config() *config.Config { return r.cfg }

func (r *Runtime) Logger() *zap.Logger { return r.logger }

func (r *Runtime) Auditor() audit.Auditor { return r.bus }

// Uptime is the time since the runtime was built.
func (r *Runtime) Uptime() time.Duration { return time.Since(r.startedAt) }

// RecordingEnabled reports whether sessions get a real recorder.
func (r *Runtime) RecordingEnabled() bool { return r.store != nil }

// SessionConfig maps the stream and vendor settings onto a session.
func (r *Runtime) SessionConfig() session.Config {
	return session.Config{
		IdleTimeout:          r.cfg.Stream.IdleTimeout,
		StartGraceWindow:     r.cfg.Stream.StartGraceWindow,
		EarlyMediaMaxFrames:  r.cfg.Stream.EarlyMediaMaxFrames,
		BackpressureMaxBytes: r.cfg.Stream.BackpressureMaxBytes,
		MaxInboundFrameBytes: r.cfg.Stream.MaxInboundFrameBytes,
		MaxMessageBytes:      r.cfg.Stream.MaxMessageBytes,
		CommitInterval:       r.cfg.Vendor.CommitInterval,
	}
}

// SessionDeps are the collaborators injected into every session.
func (r *Runtime) SessionDeps() session.Deps {
	return session.Deps{
		Metrics:     r.Metrics,
		Auditor:     r.bus,
		NewVendor:   r.newVendor,
		NewRecorder: r.newRecorder,
		Tracker:     r,
		Logger:      r.logger,
	}
}

func (r *Runtime) dialVendor(logger *zap.Logger) session.Vendor {
	v := r.cfg.Vendor
	return voiceagent.New(voiceagent.Config{
		WSURL:             v.WSURL,
		SignedURLEndpoint: v.SignedURLEndpoint,
		APIKey:            v.APIKey,
		AgentID:           v.AgentID,
		Greeting:          v.Greeting,
		BackoffBase:       v.BackoffBase,
		BackoffMax:        v.BackoffMax,
	},
		voiceagent.WithLogger(logger),
		voiceagent.WithReconnectHook(r.Metrics.VendorReconnect),
	)
}

func (r *Runtime) newRecorder(callID string) recorder.Sink {
	if r.recorderFactory != nil {
		return r.recorderFactory(callID)
	}
	if r.store == nil {
		return recorder.Nop()
	}
	return recorder.New(r.ctx, recorder.Options{
		CallID:   callID,
		Interval: r.cfg.Recording.ChunkInterval,
		Store:    r.store,
		Logger:   r.logger.With(zap.String("call_id", callID)),
		OnChunk:  r.Metrics.RecordingChunk,
	})
}

// Add registers an open session.
func (r *Runtime) Add(s *session.Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	if _, err := r.cache.Increment(context.Background(), connectionsKey, 1); err != nil {
		r.logger.Debug("[Gateway] connection counter not updated", zap.Error(err))
	}
}

// Remove forgets a closed session.
func (r *Runtime) Remove(s *session.Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.mu.Unlock()
	if _, err := r.cache.Decrement(context.Background(), connectionsKey, 1); err != nil {
		r.logger.Debug("[Gateway] connection counter not updated", zap.Error(err))
	}
}

// Sessions is the number of sockets this instance currently holds.
func (r *Runtime) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Connections reads the shared connection counter.
func (r *Runtime) Connections(ctx context.Context) int64 {
	v, ok := r.cache.Get(ctx, connectionsKey)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// Shutdown closes every session with "server shutdown", waits for their
// teardown and drains pending audit deliveries.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for r.Sessions() > 0 {
		select {
		case <-ctx.Done():
			r.logger.Warn("[Gateway] shutdown deadline reached with open sessions", zap.Int("sessions", r.Sessions()))
			return ctx.Err()
		case <-ticker.C:
		}
	}

	err := r.bus.Drain(ctx)
	if cerr := r.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	r.logger.Info("[Gateway] runtime stopped")
	return err
}
