package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/core/services"
	"rillcast/internal/infrastructure/monitoring"
	events "rillcast/internal/infrastructure/signal"
	"rillcast/internal/infrastructure/store"
	"rillcast/internal/media"
	"rillcast/internal/negotiation"
	"rillcast/internal/recording"
	"rillcast/internal/session"
	"rillcast/internal/signaling"
	"rillcast/pkg/config"
	"rillcast/pkg/retry"
	"rillcast/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session API, event sockets and RTP ingest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
}

func runServe(ctx context.Context, flags *globalFlags) error {
	startTime := time.Now()

	cfg, source, err := loadConfig(flags)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, flags)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Infow("configuration loaded", "source", source, "address", cfg.Server.Address)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	var metrics *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	shared := store.New(cfg, log, metrics)
	defer shared.Close()
	health := monitoring.NewHealthChecker()
	health.AddStoreCheck(shared, 2*time.Second)

	newPeer, err := negotiation.NewPeerFactory(cfg)
	if err != nil {
		return fmt.Errorf("init webrtc: %w", err)
	}

	channel := signaling.NewChannel(shared, shared, log, signaling.Options{
		WaitTimeout:       cfg.Signaling.WaitTimeout,
		ChunkPollInterval: cfg.Signaling.ChunkPollInterval,
		Metrics:           metrics,
	})
	deps := session.Deps{
		Channel:  channel,
		Metadata: shared,
		Locks:    shared,
		NewPeer:  newPeer,
		Negotiation: negotiation.Config{
			Timeout:         cfg.Negotiation.Timeout,
			MaxReoffers:     cfg.Negotiation.MaxReoffers,
			MaxICERestarts:  cfg.Negotiation.MaxICERestarts,
			ICEFailureGrace: cfg.Negotiation.ICEFailureGrace,
		},
		Recording: recording.Config{
			SegmentDuration: cfg.Recording.SegmentDuration,
			BufferCap:       cfg.Recording.BufferCap,
		},
		Retry:   retry.DefaultConfig(),
		Logger:  log,
		Metrics: metrics,
	}
	manager := services.NewSessionManager(deps, rtpIngest(cfg, log), log)
	manager.SetAttachTimeout(cfg.Server.SessionAttachTimeout)
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, shared)
	sockets := events.NewWebSocketServer(manager, events.OptionsFromConfig(cfg), log)

	router := newRouter(routerDeps{
		cfg:       cfg,
		log:       log,
		auth:      authService,
		manager:   manager,
		metadata:  shared,
		channel:   channel,
		sockets:   sockets,
		health:    health,
		startTime: startTime,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting rillcast server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-sigCtx.Done():
		log.Info("shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}
	manager.Shutdown(shutdownCtx)
	log.Infow("server exited", "uptime", time.Since(startTime).String())
	return nil
}

// rtpIngest feeds each broadcast from the configured UDP RTP ports until
// the broadcast ends. Only one broadcast per node can hold the ports.
func rtpIngest(cfg *config.Config, log *zap.SugaredLogger) services.SourceProvider {
	return func(ctx context.Context, streamID domain.StreamID) (ports.MediaSource, error) {
		src, err := media.NewRTPSource(streamID, log)
		if err != nil {
			return nil, err
		}

		inputs := []struct {
			kind    media.Kind
			address string
		}{
			{media.KindVideo, cfg.Ingest.VideoAddress},
			{media.KindAudio, cfg.Ingest.AudioAddress},
		}
		for _, in := range inputs {
			if in.address == "" {
				continue
			}
			go func(kind media.Kind, address string) {
				if err := src.Ingest(ctx, address, kind); err != nil {
					log.Errorw("rtp ingest stopped",
						"stream_id", streamID,
						"kind", kind.String(),
						"address", address,
						"error", err,
					)
				}
			}(in.kind, in.address)
		}
		return src, nil
	}
}
