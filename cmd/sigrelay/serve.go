package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BrownNPC/sigrelay/internal"
	"github.com/BrownNPC/sigrelay/internal/config"
	"github.com/BrownNPC/sigrelay/internal/logging"
	"github.com/BrownNPC/sigrelay/internal/metrics"
	"github.com/BrownNPC/sigrelay/signaling"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

func serveCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the signaling relay",
		Long:  `serve starts the relay. Clients connect to /ws; /health and /metrics are served on the same listener.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			log, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
	fs := cmd.Flags()
	fs.StringP("listen", "l", ":3000", "address to listen on")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("id-strategy", "uuid", "client id generator (uuid, short)")
	v.BindPFlag("listen", fs.Lookup("listen"))
	v.BindPFlag("log.level", fs.Lookup("log-level"))
	v.BindPFlag("log.format", fs.Lookup("log-format"))
	v.BindPFlag("relay.id_strategy", fs.Lookup("id-strategy"))
	return cmd
}

// newRelay wires the relay, its metrics and the http routes.
func newRelay(cfg *config.Config, log *slog.Logger) (*signaling.WebsocketSignalingServer, error) {
	gen, err := internal.Generator(cfg.Relay.IDStrategy)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	accept := websocket.AcceptOptions{OriginPatterns: cfg.Relay.AllowedOrigins}
	if len(cfg.Relay.AllowedOrigins) == 0 {
		accept.InsecureSkipVerify = true
	}

	srv := signaling.NewWebsocketSignalingServer(log.With("mod", "signaling"), signaling.Options{
		Accept:      accept,
		IDGenerator: gen,
		Limits: signaling.Limits{
			MaxMessageBytes: cfg.Relay.MaxMessageBytes,
			RateLimit:       rate.Limit(cfg.Relay.RateLimit),
			RateBurst:       cfg.Relay.RateBurst,
			PingInterval:    cfg.Relay.PingInterval,
			WriteTimeout:    cfg.Relay.WriteTimeout,
			OutboundQueue:   cfg.Relay.OutboundQueue,
		},
		Metrics: metrics.New(reg),
	})
	srv.Mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return srv, nil
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	srv, err := newRelay(cfg, log)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Addr: cfg.Listen, Handler: srv.Mux}

	errc := make(chan error, 1)
	go func() {
		log.Info("Signaling relay listening", "addr", cfg.Listen)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// stop the listener first. websockets are hijacked, so
	// http.Server.Shutdown does not wait for them; the relay closes them.
	err = httpSrv.Shutdown(sctx)
	if cerr := srv.Shutdown(sctx); cerr != nil {
		log.Warn("Closing clients timed out", "error", cerr)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: shutdown: %w", err)
	}
	return nil
}
