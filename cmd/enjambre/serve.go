package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	enjambre "github.com/enjambre/enjambre-sync"
)

var (
	serveAddr    string
	serveToken   string
	serveOrigins []string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: serve.addr or :8080)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Require this bearer token (default: serve.token)")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "cors-origin", []string{"*"}, "Origins allowed to call the REST API from a browser")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory board for local use and testing",
	Long:  "Run a self-contained board server speaking the same REST and WebSocket protocol the client uses.\nState lives in memory and is lost on exit. /status and /metrics are served unauthenticated.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		addr := serveAddr
		if addr == "" {
			addr = valueOrDefault(cfg.Serve.Addr, ":8080")
		}
		token := serveToken
		if token == "" {
			token = cfg.Serve.Token
		}

		logger, err := enjambre.NewLogger("enjambre-hub", verbose)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer logger.Sync()

		hub := enjambre.NewHub(enjambre.NewMemoryRemote(), &enjambre.HubOptions{Token: token, Logger: logger})
		started := time.Now()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "enjambre_hub",
				Name:      "realtime_connections",
				Help:      "Open WebSocket connections",
			}, func() float64 { return float64(hub.Connections()) }),
		)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(requestLogger(logger))
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: serveOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"ok":true,"connections":%d,"uptimeSeconds":%d}`, hub.Connections(), int(time.Since(started).Seconds()))
		})
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		r.Mount("/", hub)

		srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := interruptContext()
		defer stop()
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		logger.Info("hub listening", zap.String("addr", addr), zap.Bool("auth", token != ""))

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// requestLogger logs one line per request, skipping the realtime upgrade
// which lives for the whole connection.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
