// Package server exposes the media-stream WebSocket endpoint and the
// operational HTTP surface (health probes, Prometheus metrics).
//
// Each accepted media-stream connection gets its own [callsession.Session]
// driven by a read loop on the handler goroutine; the server only tracks the
// set of live sessions so shutdown can wait for calls to drain.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/trunkline-ai/trunkline/internal/analytics"
	"github.com/trunkline-ai/trunkline/internal/callsession"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/events"
	"github.com/trunkline-ai/trunkline/internal/filler"
	"github.com/trunkline-ai/trunkline/internal/health"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/recorder"
	"github.com/trunkline-ai/trunkline/internal/resilience"
	"github.com/trunkline-ai/trunkline/internal/responder"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt/deepgram"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts/elevenlabs"
	"github.com/trunkline-ai/trunkline/pkg/telephony"
)

// shutdownTimeout bounds the HTTP shutdown plus call drain on exit.
const shutdownTimeout = 15 * time.Second

// Providers bundles the speech providers a Server needs. Build one from
// configuration with [BuildProviders] or assemble it by hand in tests.
type Providers struct {
	STT stt.Provider
	TTS tts.Provider
}

// DefaultRegistry returns a provider registry with the built-in provider
// factories registered.
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
	return reg
}

// BuildProviders instantiates the configured speech providers from the
// default registry. A provider entry with a fallback becomes a failover
// chain with a circuit breaker around each backend.
func BuildProviders(cfg *config.Config) (*Providers, error) {
	reg := DefaultRegistry()
	sttProv, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("server: build stt provider: %w", err)
	}
	if fb := cfg.Providers.STT.Fallback; fb != nil {
		secondary, err := reg.CreateSTT(*fb)
		if err != nil {
			return nil, fmt.Errorf("server: build stt fallback: %w", err)
		}
		chain := resilience.NewSTTFallback(sttProv, cfg.Providers.STT.Name, resilience.FallbackConfig{})
		chain.AddFallback(fb.Name, secondary)
		sttProv = chain
	}

	ttsProv, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("server: build tts provider: %w", err)
	}
	if fb := cfg.Providers.TTS.Fallback; fb != nil {
		secondary, err := reg.CreateTTS(*fb)
		if err != nil {
			return nil, fmt.Errorf("server: build tts fallback: %w", err)
		}
		chain := resilience.NewTTSFallback(ttsProv, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
		chain.AddFallback(fb.Name, secondary)
		ttsProv = chain
	}
	return &Providers{STT: sttProv, TTS: ttsProv}, nil
}

// Server owns the HTTP listener and the per-call session lifecycle.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observe.Metrics
	providers *Providers
	responder *responder.Client
	events    *events.Publisher
	redis     *redis.Client

	// Hot-reloadable; calls already in flight keep the snapshot they started
	// with.
	mu         sync.RWMutex
	callCfg    config.CallConfig
	fillerClip []byte

	httpSrv  *http.Server
	sessions errgroup.Group
}

// Option adjusts Server construction, mostly for tests.
type Option func(*Server)

// WithLogger sets the server's logger. Default: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithResponder replaces the responder client built from configuration.
func WithResponder(c *responder.Client) Option {
	return func(s *Server) { s.responder = c }
}

// WithEvents replaces the event publisher built from configuration.
func WithEvents(p *events.Publisher) Option {
	return func(s *Server) { s.events = p }
}

// New wires a Server from configuration. The filler clip is loaded eagerly so
// a bad path fails at startup rather than mid-call.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*Server, error) {
	if providers == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("server: both speech providers are required")
	}
	s := &Server{
		cfg:       cfg,
		providers: providers,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.responder == nil {
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "responder",
			MaxFailures:  cfg.Responder.Breaker.FailureThreshold,
			ResetTimeout: cfg.Responder.Breaker.Cooldown.Std(),
		})
		s.responder = responder.New(cfg.Responder.URL,
			responder.WithMaxRetries(cfg.Responder.MaxRetries),
			responder.WithBackoff(cfg.Responder.RetryBase.Std(), cfg.Responder.RetryMax.Std()),
			responder.WithBreaker(breaker),
			responder.WithMetrics(s.metrics),
		)
	}
	if s.events == nil && cfg.Events.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Events.RedisAddr,
			Password: cfg.Events.RedisPassword,
		})
		s.events = events.NewPublisher(s.redis, cfg.Events.Stream, cfg.Events.MaxLen)
	}
	s.callCfg = cfg.Call
	if cfg.Filler.Enabled {
		clip, err := filler.LoadClip(cfg.Filler.Path)
		if err != nil {
			return nil, fmt.Errorf("server: load filler clip: %w", err)
		}
		s.fillerClip = clip
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/media-stream", s.handleMediaStream)
	mux.Handle("/metrics", promhttp.Handler())
	s.healthHandler().Register(mux)

	s.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(s.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) healthHandler() *health.Handler {
	var checkers []health.Checker
	if s.redis != nil {
		client := s.redis
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}
	checkers = append(checkers, health.Checker{
		Name: "responder",
		Check: func(context.Context) error {
			if cb := s.responder.Breaker(); cb != nil && cb.State() == resilience.StateOpen {
				return errors.New("circuit breaker open")
			}
			return nil
		},
	})
	return health.New(checkers...)
}

// Handler exposes the server's HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Reload applies the hot-reloadable parts of cfg. Calls accepted after Reload
// use the new conversation policy and filler clip; in-flight calls are left
// alone.
func (s *Server) Reload(cfg *config.Config) error {
	var clip []byte
	if cfg.Filler.Enabled {
		loaded, err := filler.LoadClip(cfg.Filler.Path)
		if err != nil {
			return fmt.Errorf("server: reload filler clip: %w", err)
		}
		clip = loaded
	}
	s.mu.Lock()
	s.callCfg = cfg.Call
	s.fillerClip = clip
	s.mu.Unlock()
	s.logger.Info("call configuration reloaded")
	return nil
}

// Run serves until ctx is cancelled, then drains live calls and shuts the
// listener down.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			err = s.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		if werr := s.sessions.Wait(); werr != nil && err == nil {
			err = werr
		}
		if s.redis != nil {
			if cerr := s.redis.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	})
	s.logger.Info("server listening", "addr", s.cfg.Server.ListenAddr)
	return g.Wait()
}

// handleMediaStream upgrades the request and runs one call session for the
// lifetime of the connection.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("rejected media stream with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("media stream upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")
	conn.SetReadLimit(1 << 20)

	// Provisional until the start frame names the call.
	callID := uuid.NewString()
	logger := s.logger.With("call_id", callID)

	sess, err := s.buildSession(r.Context(), callID, telephony.NewWSSender(conn))
	if err != nil {
		logger.Error("session wiring failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan error, 1)
	s.sessions.Go(func() error {
		done <- sess.Run(ctx)
		return nil
	})

	s.readFrames(ctx, conn, sess, logger)

	// Socket is gone or closing; a synthetic stop frame winds the session
	// down if the edge never sent one.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = sess.Deliver(stopCtx, telephony.Frame{Event: telephony.EventStop})
	stopCancel()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("session ended with error", "err", err)
		}
	case <-time.After(shutdownTimeout):
		logger.Error("session did not drain in time")
		cancel()
		<-done
	}
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

// readFrames pumps inbound frames into the session until the socket closes.
func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, sess *callsession.Session, logger *slog.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				logger.Debug("media stream read ended", "err", err)
			}
			return
		}
		frame, err := telephony.ParseFrame(data)
		if err != nil {
			// Protocol errors drop the frame and keep the call alive.
			logger.Debug("dropping malformed frame", "err", err)
			continue
		}
		if err := sess.Deliver(ctx, frame); err != nil {
			return
		}
	}
}

// buildSession assembles the per-call collaborators. The mirror and recorder
// are handed to the session, which closes them in its own teardown.
func (s *Server) buildSession(ctx context.Context, callID string, sender telephony.Sender) (*callsession.Session, error) {
	s.mu.RLock()
	callCfg, clip := s.callCfg, s.fillerClip
	s.mu.RUnlock()

	cfg := callsession.SessionConfig{
		CallID:     callID,
		Sender:     sender,
		STT:        s.providers.STT,
		TTS:        s.providers.TTS,
		Responder:  s.responder,
		Call:       callCfg,
		Events:     s.events,
		Metrics:    s.metrics,
		FillerClip: clip,
	}
	if s.cfg.Analytics.URL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		sink, err := analytics.DialWS(dialCtx, s.cfg.Analytics.URL)
		cancel()
		if err != nil {
			// Mirroring is best effort; the call proceeds without it.
			s.logger.Warn("analytics dial failed", "call_id", callID, "err", err)
		} else {
			cfg.Mirror = analytics.NewMirror(sink,
				analytics.WithBuffer(s.cfg.Analytics.Buffer),
				analytics.WithSampleRate(s.cfg.Analytics.SampleRate),
			)
		}
	}
	if s.cfg.Recorder.Enabled {
		cfg.Recorder = recorder.New(s.cfg.Recorder.Dir, callID,
			recorder.WithSampleRate(s.cfg.Recorder.SampleRate),
		)
	}
	return callsession.New(cfg)
}
