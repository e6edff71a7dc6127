package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"media-studio/handler"
	"media-studio/internal/auth"
	"media-studio/internal/blob"
	"media-studio/internal/config"
	"media-studio/internal/domain"
	"media-studio/internal/integrations/gemini"
	"media-studio/internal/integrations/paramstore"
	"media-studio/internal/logging"
	"media-studio/internal/metrics"
	"media-studio/internal/repository"
	"media-studio/internal/usecase"
)

const metricsNamespace = "media_studio"

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", logging.FormatJSON).Fatal("invalid configuration", zap.Error(err))
	}
	format := logging.Format(cfg.Log.Format)
	if onLambda() {
		format = logging.FormatJSON
	}
	logger := logging.New(cfg.Log.Level, format)
	defer func() { _ = logger.Sync() }()

	// ---- AWS SDK config ----
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		logger.Fatal("failed to create SSM client", zap.Error(err))
	}

	verifier, err := newVerifier(ctx, cfg.Auth, ssmClient)
	if err != nil {
		logger.Fatal("failed to create token verifier", zap.Error(err))
	}

	collector := metrics.NewCollector(metricsNamespace, logger)

	poll := gemini.DefaultPollPolicy()
	poll.InitialInterval = cfg.Poll.InitialInterval
	poll.MaxInterval = cfg.Poll.MaxInterval
	poll.MaxAttempts = cfg.Poll.MaxAttempts
	poll.Timeout = cfg.Poll.Timeout

	geminiOpts := []gemini.Option{
		gemini.WithHTTPClient(&http.Client{Timeout: cfg.Gemini.Timeout}),
		gemini.WithImageModel(cfg.Gemini.ImageModel),
		gemini.WithVideoModel(cfg.Gemini.VideoModel),
		gemini.WithPollPolicy(poll),
		gemini.WithPollObserver(collector.ObserveVideoPoll),
		gemini.WithLogger(logger.Named("gemini")),
	}
	if cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	}
	geminiClient, err := gemini.NewClient(ssmClient, cfg.ParamPrefix, geminiOpts...)
	if err != nil {
		logger.Fatal("failed to create Gemini client", zap.Error(err))
	}

	history, prefs, err := newHistoryStore(cfg.History, awsdynamodb.NewFromConfig(awsCfg))
	if err != nil {
		logger.Fatal("failed to create history store", zap.Error(err))
	}

	blobs, closeBlobs, err := newBlobStore(ctx, cfg.Blob, logger)
	if err != nil {
		logger.Fatal("failed to create blob store", zap.Error(err))
	}
	defer closeBlobs()

	// ---- Handler ----
	studio, err := usecase.NewStudio(geminiClient, blobs, history, prefs, usecase.StudioConfig{
		MaxPromptLength:   cfg.Limits.MaxPromptLength,
		MaxReferenceBytes: cfg.Limits.MaxReferenceBytes,
		HistoryLimit:      cfg.Limits.HistoryLimit,
		DefaultLanguage:   domain.Language(cfg.DefaultLanguage),
	}, usecase.WithRecorder(collector), usecase.WithLogger(logger.Named("studio")))
	if err != nil {
		logger.Fatal("failed to create studio", zap.Error(err))
	}

	h, err := handler.NewHandler(studio, verifier,
		handler.WithRecorder(collector),
		handler.WithLogger(logger.Named("http")),
	)
	if err != nil {
		logger.Fatal("failed to create handler", zap.Error(err))
	}

	if onLambda() {
		lambda.Start(h.Handle)
		return
	}
	if err := serve(cfg.Server, h, collector, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func onLambda() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}

func newVerifier(ctx context.Context, cfg config.AuthConfig, g paramstore.Getter) (*auth.Verifier, error) {
	opts := auth.Options{Issuer: cfg.Issuer, Audience: cfg.Audience}
	if strings.TrimSpace(cfg.SecretParam) != "" {
		return auth.NewSecretVerifier(ctx, g, cfg.SecretParam, opts)
	}
	opts.PublicKeyPEM = cfg.PublicKeyPEM
	return auth.NewVerifier(opts)
}

func newHistoryStore(cfg config.HistoryConfig, api *awsdynamodb.Client) (usecase.HistoryStore, usecase.PreferenceStore, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		mem := repository.NewMemory(cfg.MaxPerUser)
		return mem, mem, nil
	}
	client, err := repository.New(api, cfg.Table, cfg.TTL)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

func newBlobStore(ctx context.Context, cfg config.BlobConfig, logger *zap.Logger) (usecase.BlobStore, func(), error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return blob.NewMemory(cfg.Capacity, blob.WithMaxBytes(int64(cfg.MaxBytes))), func() {}, nil
	}
	store, err := blob.NewRedis(ctx, blob.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      cfg.TTL,
	}, logger.Named("blob"))
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}, nil
}

// serve runs the routes on a local HTTP server with /metrics until SIGINT or
// SIGTERM.
func serve(cfg config.ServerConfig, h *handler.Handler, collector *metrics.Collector, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	mux.Handle("/", h)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
