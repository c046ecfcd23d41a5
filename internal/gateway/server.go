// Package gateway serves the HTTP API that forwards text and images to the
// messaging session.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"wagate/internal/domain"
	"wagate/internal/metrics"
	"wagate/internal/session"
	"wagate/internal/upload"
)

const (
	defaultSendTimeout = 60 * time.Second
	maxJSONBodyBytes   = 1 << 20
)

// Recorder persists delivery attempts.
type Recorder interface {
	Record(ctx context.Context, d domain.Delivery) (int64, error)
	Recent(ctx context.Context, limit int) ([]domain.Delivery, error)
}

// SessionStatus reports the messaging session's state.
type SessionStatus interface {
	State() (session.State, time.Time)
}

type Config struct {
	Messenger   domain.Messenger
	Stager      *upload.Stager
	History     Recorder           // nil disables recording and /deliveries
	Metrics     *metrics.Collector // nil disables /metrics
	MetricsPath string
	Session     SessionStatus
	SendTimeout time.Duration // per MessagingClient call
	Logger      *slog.Logger
}

// Server routes gateway requests to the Messenger.
type Server struct {
	messenger   domain.Messenger
	stager      *upload.Stager
	history     Recorder
	metrics     *metrics.Collector
	metricsPath string
	session     SessionStatus
	sendTimeout time.Duration
	logger      *slog.Logger
	startTime   time.Time

	httpServer *http.Server
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		messenger:   cfg.Messenger,
		stager:      cfg.Stager,
		history:     cfg.History,
		metrics:     cfg.Metrics,
		metricsPath: cfg.MetricsPath,
		session:     cfg.Session,
		sendTimeout: cfg.SendTimeout,
		logger:      cfg.Logger,
		startTime:   time.Now(),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Uploads of several 20 MB images over slow links take a while.
		// No WriteTimeout: each send is bounded by sendTimeout instead.
		ReadTimeout:    5 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		ErrorLog:       slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the gateway's routes wrapped in its middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, http.MethodPost, "/send", s.handleSend)
	s.route(mux, http.MethodPost, "/send-images", s.handleSendImages)
	s.route(mux, http.MethodGet, "/health", s.handleHealth)
	s.route(mux, http.MethodGet, "/deliveries", s.handleDeliveries)
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		Render(w, http.StatusNotFound, "Not found")
	})

	return requestID(accessLog(s.logger, recoverer(s.logger, mux)))
}

// route registers h for method+path and answers other methods on path with
// a 405 envelope.
func (s *Server) route(mux *http.ServeMux, method, path string, h http.HandlerFunc) {
	mux.HandleFunc(method+" "+path, h)
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", method)
		Render(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// sendContext bounds one MessagingClient call. It outlives a disconnecting
// client so that a send already under way is not torn down halfway.
func (s *Server) sendContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.sendTimeout)
}

// record stores the outcome of one send and updates metrics.
func (s *Server) record(r *http.Request, d domain.Delivery, started time.Time, err error) {
	d.RequestID = RequestIDFromContext(r.Context())
	d.DurationMs = time.Since(started).Milliseconds()
	d.CreatedAt = started
	switch {
	case err == nil:
		d.Status = domain.DeliverySent
	case errors.Is(err, context.DeadlineExceeded):
		d.Status = domain.DeliveryTimeout
		d.Error = err.Error()
	default:
		d.Status = domain.DeliveryFailed
		d.Error = err.Error()
	}

	s.metrics.ObserveSend(d.Kind, d.Status, time.Since(started))

	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if _, err := s.history.Record(ctx, d); err != nil {
		s.logger.Warn("failed to record delivery", "rid", d.RequestID, "err", err)
	}
}
