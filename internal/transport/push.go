package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"budget-guard/internal/config"
	"budget-guard/internal/ingress"
	"budget-guard/internal/metrics"
)

const maxPushBody = 1 << 20

// pushEnvelope is the JSON body of a Pub/Sub push request.
type pushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime time.Time         `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushServer receives Pub/Sub push deliveries over HTTP. A 2xx response acknowledges
// the message; anything else triggers redelivery.
type PushServer struct {
	cfg     config.ServerConfig
	handler HandlerFunc
	router  chi.Router
	logger  zerolog.Logger
}

// NewPushServer builds the router for the push endpoint, health and metrics.
func NewPushServer(cfg config.ServerConfig, handler HandlerFunc, logger zerolog.Logger) *PushServer {
	s := &PushServer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "push_server").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Post(cfg.PushPath, s.handlePush)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	s.router = router
	return s
}

// Handler exposes the router, mainly for tests.
func (s *PushServer) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *PushServer) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serveHTTP(ctx, srv, s.cfg.ShutdownTimeout, s.logger)
}

func (s *PushServer) handlePush(w http.ResponseWriter, r *http.Request) {
	metrics.MessagesReceived.WithLabelValues("push").Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read push body")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Redelivering an undecodable envelope can never succeed.
		s.logger.Warn().Err(err).Msg("dropping undecodable push envelope")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	msg := ingress.Message{
		ID:          env.Message.MessageID,
		Data:        env.Message.Data,
		Attributes:  env.Message.Attributes,
		PublishTime: env.Message.PublishTime,
	}
	if s.handler(r.Context(), msg) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.logger.Debug().Str("message_id", msg.ID).Str("subscription", env.Subscription).Msg("nacking push delivery")
	http.Error(w, "retry", http.StatusInternalServerError)
}

// NewMetricsServer serves only the Prometheus endpoint.
func NewMetricsServer(addr string) *http.Server {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
}

// ServeMetrics runs the metrics server until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	return serveHTTP(ctx, NewMetricsServer(addr), 5*time.Second, logger.With().Str("component", "metrics_server").Logger())
}

func serveHTTP(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	logger.Info().Str("addr", srv.Addr).Msg("http server stopped")
	return nil
}
