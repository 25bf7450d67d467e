package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carloslauriano/glomail/config"
	"github.com/carloslauriano/glomail/mailbox"
	"github.com/carloslauriano/glomail/storage"
)

// Resultados de entrega usados como rótulo de glomail_deliveries_total
const (
	deliveryDelivered = "delivered"
	deliveryLost      = "lost"
	deliveryExternal  = "external"
	deliveryInvalid   = "invalid"
	deliveryFailed    = "failed"
)

// Metrics agrupa os coletores do servidor. Com um Registerer nil os
// coletores funcionam mas não são expostos.
type Metrics struct {
	ConnectionsCurrent prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	DeliveriesTotal    *prometheus.CounterVec
	SessionsCurrent    prometheus.Gauge
}

// NewMetrics cria e registra os coletores em reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "glomail_connections_current",
			Help: "Current number of connected clients",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "glomail_connections_total",
			Help: "Total number of accepted connections",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "glomail_requests_total",
			Help: "Total number of protocol requests handled",
		}, []string{"header", "result"}),
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "glomail_deliveries_total",
			Help: "Total number of delivery attempts by outcome",
		}, []string{"outcome"}),
		SessionsCurrent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "glomail_sessions_current",
			Help: "Current number of authenticated connections",
		}),
	}
}

func (m *Metrics) observeRequest(header string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RequestsTotal.WithLabelValues(header, result).Inc()
}

func (m *Metrics) observeDelivery(err error) {
	outcome := deliveryDelivered
	switch {
	case err == nil:
	case errors.Is(err, mailbox.ErrRecipientNotFound):
		outcome = deliveryLost
	case errors.Is(err, mailbox.ErrExternalDelivery):
		outcome = deliveryExternal
	case errors.Is(err, mailbox.ErrInvalidAddress):
		outcome = deliveryInvalid
	default:
		outcome = deliveryFailed
	}
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
}

// lostEmail é a representação de um email perdido em /lost
type lostEmail struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Destination string `json:"destination"`
	Subject     string `json:"subject"`
	Date        string `json:"date"`
	Size        int64  `json:"size"`
}

// HTTPHandler retorna o roteador administrativo: /metrics, /healthz e /lost
func (s *Server) HTTPHandler(gatherer prometheus.Gatherer) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/lost", s.handleLost).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.isClosed() {
		http.Error(w, "encerrando", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleLost(w http.ResponseWriter, r *http.Request) {
	var emails []*storage.Email
	err := s.Exec(r.Context(), func() error {
		var err error
		emails, err = s.store.ListLostEmails()
		return err
	})
	if err != nil {
		s.logger.Error("falha ao listar correio perdido", "error", err)
		http.Error(w, "erro interno do servidor", http.StatusInternalServerError)
		return
	}

	out := make([]lostEmail, 0, len(emails))
	for _, e := range emails {
		out = append(out, lostEmail{
			ID:          e.ID,
			Sender:      e.Sender,
			Destination: e.Destination,
			Subject:     e.Subject,
			Date:        e.Date,
			Size:        e.Size,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Debug("falha ao responder /lost", "error", err)
	}
}

// StartMetricsServer serve o roteador administrativo até ctx ser cancelado
func (s *Server) StartMetricsServer(ctx context.Context, cfg config.MetricsConfig, gatherer prometheus.Gatherer) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}
	return s.serveHTTP(ctx, ln, gatherer)
}

func (s *Server) serveHTTP(ctx context.Context, ln net.Listener, gatherer prometheus.Gatherer) error {
	hs := &http.Server{
		Handler:           s.HTTPHandler(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	s.logger.Info("servidor de métricas escutando", "addr", ln.Addr().String())
	if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
