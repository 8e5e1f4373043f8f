// Package monitor serves the participant's status over HTTP: a health check,
// a JSON status snapshot, prometheus metrics and a websocket status stream.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeJamon/causalmesh/internal/logging"
	"github.com/LeJamon/causalmesh/internal/mesh"
)

// Default stream and keepalive timings.
const (
	DefaultStreamInterval = time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultPongWait       = 60 * time.Second
	writeWait             = 10 * time.Second
)

// StatusSource provides the snapshots served by the monitor.
type StatusSource interface {
	Status(ctx context.Context) (mesh.Status, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithStreamInterval sets how often /ws pushes a snapshot.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		s.interval = d
	}
}

// WithPingInterval sets the websocket keepalive period. The peer must answer
// within pongWait.
func WithPingInterval(ping, pongWait time.Duration) Option {
	return func(s *Server) {
		s.ping = ping
		s.pongWait = pongWait
	}
}

// Server is the monitoring HTTP server.
type Server struct {
	source   StatusSource
	gatherer prometheus.Gatherer
	logger   logging.Logger
	interval time.Duration
	ping     time.Duration
	pongWait time.Duration
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New creates a monitor for source. gatherer backs /metrics; nil disables it.
func New(source StatusSource, gatherer prometheus.Gatherer, opts ...Option) (*Server, error) {
	if source == nil {
		return nil, errors.New("monitor: status source cannot be nil")
	}
	s := &Server{
		source:   source,
		gatherer: gatherer,
		logger:   logging.Nop(),
		interval: DefaultStreamInterval,
		ping:     DefaultPingInterval,
		pongWait: DefaultPongWait,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 || s.ping <= 0 || s.pongWait <= s.ping {
		return nil, errors.New("monitor: invalid stream timings")
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/ws", s.handleStream)
	if gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("monitor listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.source.Status(r.Context())
	if err != nil {
		s.logger.Warn("status snapshot", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Debug("write status", "error", err)
	}
}

// handleStream pushes a status snapshot every interval until the client goes
// away or stops answering pings.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	// The reader only services control frames; it ends the stream when the
	// client closes or times out.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read", "error", err)
				}
				return
			}
		}
	}()

	push := time.NewTicker(s.interval)
	defer push.Stop()
	ping := time.NewTicker(s.ping)
	defer ping.Stop()

	if !s.push(ctx, conn) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-push.C:
			if !s.push(ctx, conn) {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn) bool {
	st, err := s.source.Status(ctx)
	if err != nil {
		s.logger.Warn("status snapshot", "error", err)
		return ctx.Err() == nil
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(st); err != nil {
		s.logger.Debug("websocket write", "error", err)
		return false
	}
	return true
}
