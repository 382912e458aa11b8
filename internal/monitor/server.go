// Package monitor serves the operational HTTP surface: bundle status, the
// Prometheus registry and the live event stream.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"rwa-exposure-bundle/internal/bundle"
	"rwa-exposure-bundle/internal/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 2 * time.Second
	statusTimeout   = 5 * time.Second
)

type Status struct {
	Time        time.Time           `json:"time"`
	Value       decimal.Decimal     `json:"value"`
	Idle        decimal.Decimal     `json:"idle"`
	Emergency   bool                `json:"emergency"`
	Allocations []bundle.Allocation `json:"allocations"`
	WSClients   int                 `json:"ws_clients"`
}

// StatusSource reports the bundle's current state.
type StatusSource interface {
	Status(ctx context.Context) (Status, error)
}

type StatusFunc func(ctx context.Context) (Status, error)

func (f StatusFunc) Status(ctx context.Context) (Status, error) {
	return f(ctx)
}

type Server struct {
	cfg     config.ServerConfig
	log     *zap.Logger
	status  StatusSource
	metrics http.Handler
	hub     *Hub
}

func NewServer(cfg config.ServerConfig, status StatusSource, metrics http.Handler, hub *Hub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, log: log, status: status, metrics: metrics, hub: hub}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.status != nil {
		mux.HandleFunc(s.cfg.StatusPath, s.handleStatus)
	}
	if s.metrics != nil {
		mux.Handle(s.cfg.MetricsPath, s.metrics)
	}
	if s.hub != nil {
		mux.Handle(s.cfg.EventsPath, s.hub)
	}
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	st, err := s.status.Status(ctx)
	if err != nil {
		s.log.Warn("status unavailable", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if s.hub != nil {
		st.WSClients = s.hub.Clients()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.log.Debug("status write failed", zap.Error(err))
	}
}

// Start listens on the configured address and shuts down when ctx ends.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("monitor server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("monitor server listening", zap.String("address", ln.Addr().String()))
	return ln.Addr(), nil
}
