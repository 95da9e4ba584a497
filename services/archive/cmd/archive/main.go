package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"storyarchive/internal/ratelimit"
	"storyarchive/internal/usertoken"
	"storyarchive/internal/util"
	"storyarchive/internal/wizard"
	"storyarchive/pkg/ai"
	"storyarchive/pkg/assist"
	"storyarchive/pkg/domain"
	"storyarchive/pkg/queue"
	"storyarchive/pkg/storage"
	"storyarchive/pkg/store"
	"storyarchive/services/archive/internal/app"
	"storyarchive/services/archive/internal/config"
	"storyarchive/services/archive/internal/security"
	"storyarchive/services/archive/internal/server"
)

const (
	defaultGeminiModel  = "gemini-2.5-flash"
	defaultOpenAIModel  = "gpt-4o-mini"
	defaultOllamaModel  = "llama3.1"
	defaultWhisperModel = "whisper-1"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	path := os.Getenv("ARCHIVE_CONFIG")
	if path == "" {
		path = config.ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	idleTTL, err := config.ParseIdleTTL(cfg.WizardIdleTTL)
	if err != nil {
		log.Fatalf("failed to parse wizard idle ttl: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objects, media, err := openBlobs(cfg)
	if err != nil {
		log.Fatalf("failed to init blob storage: %v", err)
	}

	var cleanup *queue.CleanupQueue
	if cfg.RedisAddr != "" {
		cleanup, err = queue.NewCleanupQueue(queue.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatalf("failed to init cleanup queue: %v", err)
		}
		defer cleanup.Close()
	}

	appCfg := app.Config{Store: st, Objects: objects}
	if cleanup != nil {
		appCfg.Cleanup = cleanup
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if cleanup != nil {
		go func() {
			if err := cleanup.Run(ctx, cfg.CleanupWorkers, appCore.HandleCleanup); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("cleanup workers stopped", "err", err)
			}
		}()
	}

	assistSvc, err := newAssist(cfg)
	if err != nil {
		log.Fatalf("failed to init ai providers: %v", err)
	}

	limiter, err := newLimiter(cfg)
	if err != nil {
		log.Fatalf("failed to init ai rate limiter: %v", err)
	}

	verifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	wizards := wizard.NewRegistry(func(id string, author domain.Identity) (*wizard.Wizard, error) {
		return wizard.New(wizard.Config{
			ID:               id,
			Author:           author,
			Archive:          appCore,
			Transcriber:      assistSvc,
			Suggester:        assistSvc,
			Translator:       assistSvc,
			MaxRecordSeconds: cfg.MaxRecordSeconds,
			Logger:           logger,
		})
	}, wizard.RegistryOptions{
		IdleTTL:    idleTTL,
		MaxPerUser: cfg.WizardMaxPerUser,
	})
	wizardsDone := make(chan struct{})
	go func() {
		wizards.Run(ctx, time.Minute)
		close(wizardsDone)
	}()

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	serverCfg := server.Config{
		App:            appCore,
		Wizards:        wizards,
		Assist:         assistSvc,
		Verifier:       verifier,
		AILimiter:      limiter,
		TrustedProxies: trustedProxies,
		Media:          media,
		MaxUploadBytes: cfg.MaxUploadBytes,
		CORSOrigins:    cfg.CORSOrigins,
	}
	if alerter := security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "archive:alerts"); alerter != nil {
		defer alerter.Close()
		serverCfg.Alerter = alerter
	}
	httpServer, err := server.New(serverCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}()

	slog.Info("archive server listening", "addr", addr, "store", cfg.StoreDriver, "blobs", cfg.BlobDriver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
	stop()
	<-wizardsDone
}

func openStore(cfg config.FileConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.SQLitePath)
	case "memory":
		slog.Warn("using in-memory store; stories are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return store.NewGormStore(cfg.DatabaseURL)
	}
}

// openBlobs returns the object store plus, for the file driver, the same
// store to serve under /media/.
func openBlobs(cfg config.FileConfig) (storage.ObjectStore, *storage.FileStore, error) {
	if cfg.BlobDriver == "file" {
		publicURL := cfg.PublicURL
		if publicURL == "" {
			publicURL = "http://localhost:" + cfg.Port
		}
		fs, err := storage.NewFileStore(cfg.BlobDir, publicURL, cfg.MediaSecret)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	}
	ms, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		return nil, nil, err
	}
	return ms, nil, nil
}

func newAssist(cfg config.FileConfig) (*assist.Service, error) {
	var gemini *ai.GeminiClient
	if cfg.AIProvider == "gemini" || cfg.STTProvider == "gemini" {
		var err error
		gemini, err = ai.NewGeminiClient(cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
	}

	var text ai.TextGenerator
	switch cfg.AIProvider {
	case "openai":
		text = ai.NewOpenAICompatGenerator(cfg.AIBaseURL, cfg.AIAPIKey, modelOr(cfg.AIModel, defaultOpenAIModel))
	case "ollama":
		text = ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.AIBaseURL), modelOr(cfg.AIModel, defaultOllamaModel))
	default:
		text = ai.NewGeminiGenerator(gemini, modelOr(cfg.AIModel, defaultGeminiModel))
	}

	var stt ai.AudioTranscriber
	switch cfg.STTProvider {
	case "openai":
		baseURL := cfg.STTBaseURL
		if baseURL == "" {
			baseURL = cfg.AIBaseURL
		}
		stt = ai.NewOpenAICompatTranscriber(baseURL, cfg.AIAPIKey, modelOr(cfg.STTModel, defaultWhisperModel))
	default:
		model := cfg.STTModel
		if model == "" && cfg.AIProvider == "gemini" {
			model = cfg.AIModel
		}
		stt = ai.NewGeminiTranscriber(gemini, modelOr(model, defaultGeminiModel))
	}

	timeout := time.Duration(cfg.AITimeoutSecs) * time.Second
	return assist.NewService(stt, text, timeout), nil
}

// newLimiter shares the AI budget across replicas through Redis when one is
// configured; otherwise each process counts on its own.
func newLimiter(cfg config.FileConfig) (ratelimit.Limiter, error) {
	perMinute := cfg.AIRateLimitMin
	if perMinute <= 0 {
		perMinute = 30
	}
	if cfg.RedisAddr != "" {
		return ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, "archive:ai", perMinute, time.Minute)
	}
	return ratelimit.NewMemoryLimiter(perMinute, time.Minute)
}

func modelOr(model, fallback string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return fallback
}
