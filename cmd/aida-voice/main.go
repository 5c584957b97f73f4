package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/bindings"
	"github.com/ent0n29/aida-voice/internal/bridge"
	"github.com/ent0n29/aida-voice/internal/callevents"
	"github.com/ent0n29/aida-voice/internal/collab"
	"github.com/ent0n29/aida-voice/internal/config"
	"github.com/ent0n29/aida-voice/internal/gateway"
	"github.com/ent0n29/aida-voice/internal/httpapi"
	"github.com/ent0n29/aida-voice/internal/lifecycle"
	"github.com/ent0n29/aida-voice/internal/logging"
	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/realtime"
	"github.com/ent0n29/aida-voice/internal/session"
	"github.com/ent0n29/aida-voice/internal/telephony"
	"github.com/ent0n29/aida-voice/internal/tools"
	"github.com/ent0n29/aida-voice/internal/transcript"
	"github.com/ent0n29/aida-voice/internal/wakeword"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aida-voice: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	var (
		data         *collab.DataService
		intelligence *collab.IntelligenceService
		remote       lifecycle.Remote
		processor    lifecycle.PostProcessor
		toolDeps     tools.Deps
	)
	if cfg.DataServiceURL != "" {
		data = collab.NewDataService(cfg.DataServiceURL, cfg.CollaboratorTimeout, metrics)
		remote = data
		toolDeps.Meetings = data
	} else {
		logger.Warn("data service not configured; meetings and transcripts stay local")
	}
	if cfg.IntelligenceServiceURL != "" {
		intelligence = collab.NewIntelligenceService(cfg.IntelligenceServiceURL, cfg.CollaboratorTimeout, metrics)
		processor = intelligence
		toolDeps.Backend = intelligence
	} else {
		logger.Warn("intelligence service not configured; post-processing disabled")
	}

	store, err := lifecycle.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("lifecycle store: %w", err)
	}
	defer store.Close()

	meetings := lifecycle.NewManager(lifecycle.Options{
		Store:         store,
		Remote:        remote,
		PostProcessor: processor,
		SettleDelay:   cfg.PostProcessSettleDelay,
		Logger:        logger,
		Metrics:       metrics,
	})

	var callBindings bindings.Store
	if cfg.RedisURL != "" {
		rs, err := bindings.OpenRedis(ctx, cfg.RedisURL, cfg.CallBindingTTL, logger)
		if err != nil {
			return fmt.Errorf("call bindings: %w", err)
		}
		callBindings = rs
	} else {
		callBindings = bindings.NewMemoryStore(cfg.CallBindingTTL)
	}
	defer callBindings.Close()

	sink := transcriptSink(cfg, data, logger)

	var phone callevents.Telephony
	tc, err := telephony.NewClient(telephony.Config{
		Endpoint:   cfg.ACSEndpoint,
		AccessKey:  cfg.ACSAccessKey,
		APIVersion: cfg.ACSAPIVersion,
		Timeout:    cfg.ACSRequestTimeout,
		Logger:     logger,
		Metrics:    metrics,
	})
	switch {
	case errors.Is(err, telephony.ErrNotConfigured):
		logger.Warn("telephony not configured; incoming and outbound calls are rejected")
	case err != nil:
		return fmt.Errorf("telephony: %w", err)
	default:
		phone = tc
	}
	if cfg.BotCallbackHost == "" {
		logger.Warn("BOT_CALLBACK_HOST not set; calls will be answered without media streaming")
	}

	model := realtime.NewClient(realtime.Config{
		URL:      cfg.RealtimeURL,
		APIKey:   cfg.RealtimeAPIKey,
		Model:    cfg.RealtimeModel,
		AuthMode: cfg.RealtimeAuthMode,
		Logger:   logger,
	})
	dispatcher, err := tools.NewDispatcher(toolDeps, logger, metrics)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	wake := wakeword.NewDetector(logger)

	registry := session.NewRegistry()
	router := callevents.NewRouter(callevents.Options{
		Registry:     registry,
		Bindings:     callBindings,
		Lifecycle:    meetings,
		Telephony:    phone,
		CallbackURL:  cfg.CallbackURL(),
		TransportURL: cfg.MediaTransportURL(),
		Logger:       logger,
		Metrics:      metrics,
	})

	gw := gateway.New(gateway.Options{
		Registry: registry,
		Bindings: callBindings,
		NewBridge: func(sess *session.Session) gateway.Bridge {
			return bridge.New(sess, bridge.Deps{
				Connector:       model,
				Tools:           dispatcher,
				Lifecycle:       meetings,
				Transcripts:     sink,
				Wake:            wake,
				Voice:           cfg.RealtimeVoice,
				PersistInterval: cfg.TranscriptPersistInterval,
				Logger:          logger,
				Metrics:         metrics,
			})
		},
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		ReadLimit:      int64(cfg.WSReadLimitBytes),
		StopTimeout:    cfg.ShutdownTimeout,
		Logger:         logger,
		Metrics:        metrics,
	})

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	api := httpapi.New(httpapi.Options{
		Gateway:        gw,
		Calls:          router,
		Meetings:       meetings,
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		RateLimitRPS:   cfg.WebhookRateLimitRPS,
		RateLimitBurst: cfg.WebhookRateLimitBurst,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(runCtx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful http shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	// Hijacked media sockets are not tracked by the http server.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown reported errors", zap.Error(err))
	}
	if err := meetings.Wait(shutdownCtx); err != nil {
		logger.Warn("pending post-processing abandoned", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// transcriptSink fans batches out to the data service and, when a bucket is
// configured, to the S3 archive. It returns nil when neither is available.
func transcriptSink(cfg config.Config, data *collab.DataService, logger *zap.Logger) transcript.Sink {
	var sinks transcript.Fanout
	if data != nil {
		sinks = append(sinks, transcript.NewHTTPSink(data))
	}
	if cfg.TranscriptArchiveBucket != "" {
		client := s3.New(s3.Options{
			Region:       cfg.S3Region,
			UsePathStyle: cfg.S3ForcePathStyle,
			BaseEndpoint: optionalString(cfg.S3Endpoint),
			Credentials:  staticCredentials(cfg.S3AccessKeyID, cfg.S3SecretAccessKey),
		})
		sinks = append(sinks, transcript.NewArchiveSink(client, cfg.TranscriptArchiveBucket, cfg.TranscriptArchivePrefix))
		logger.Info("transcript archive enabled", zap.String("bucket", cfg.TranscriptArchiveBucket))
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return aws.String(v)
}

func staticCredentials(id, secret string) aws.CredentialsProvider {
	if id == "" || secret == "" {
		return nil
	}
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: id, SecretAccessKey: secret, Source: "aida-voice-config"}, nil
	})
}
