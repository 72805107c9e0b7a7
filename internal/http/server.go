package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readyCheckTimeout = 2 * time.Second

// PeerChecker reports the peers a sink can currently send to.
type PeerChecker interface {
	ConnectedPeers(ctx context.Context) ([]string, error)
}

// ConsumerStatus is an interface for checking Kafka consumer join state.
type ConsumerStatus interface {
	IsJoined() bool
}

type Server struct {
	srv      *http.Server
	peers    PeerChecker
	consumer ConsumerStatus
	logger   *zap.Logger
}

// NewServer serves /healthz, /readyz and /metrics. consumer is the live feed
// consumer and may be nil when the run does not read from Kafka.
func NewServer(addr string, peers PeerChecker, consumer ConsumerStatus, logger *zap.Logger) *Server {
	s := &Server{
		peers:    peers,
		consumer: consumer,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Sink connectivity.
	if s.peers != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()

		peers, err := s.peers.ConnectedPeers(ctx)
		switch {
		case err != nil:
			checks["sink"] = "error"
			allOK = false
		case len(peers) == 0:
			checks["sink"] = "no_peers"
			allOK = false
		default:
			checks["sink"] = "ok"
		}
	} else {
		checks["sink"] = "error"
		allOK = false
	}

	// Live feed consumer, only present in live mode.
	if s.consumer != nil {
		if s.consumer.IsJoined() {
			checks["kafka_live"] = "ok"
		} else {
			checks["kafka_live"] = "not_joined"
			allOK = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
