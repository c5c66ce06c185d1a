package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/photo-check/internal/audit"
	"github.com/example/photo-check/internal/capability"
	"github.com/example/photo-check/internal/config"
	"github.com/example/photo-check/internal/face"
	"github.com/example/photo-check/internal/hand"
	"github.com/example/photo-check/internal/handlers"
	"github.com/example/photo-check/internal/logging"
	"github.com/example/photo-check/internal/moderation"
	"github.com/example/photo-check/internal/quality"
	"github.com/example/photo-check/internal/validation"
	"github.com/example/photo-check/internal/visionclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
			}
		}
	}()

	sidecar := dialSidecar(ctx, cfg.Vision.SidecarAddr, logger)
	if sidecar != nil {
		closers = append(closers, sidecar.Close)
	}
	faces, hands := resolveBackends(ctx, cfg, sidecar, logger)

	moderator, closeModerator := buildModerator(ctx, cfg, logger)
	if closeModerator != nil {
		closers = append(closers, closeModerator)
	}

	recorder, summaries := buildAudit(ctx, cfg.Audit.DatabaseDSN, logger)

	validator := validation.New(validation.Deps{
		Quality:   quality.NewAnalyzer(cfg.Thresholds.Quality),
		Faces:     face.NewLocator(faces, cfg.Thresholds.Face),
		Hands:     hands,
		Moderator: moderator,
		Audit:     recorder,
	}, validation.Config{
		LenientFace:       cfg.Vision.LenientFace,
		ModerationMaxSide: moderation.DefaultMaxSide,
		ModerationQuality: moderation.DefaultJPEGQuality,
	}, logger)

	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger.Named("http")))
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, validator, summaries, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	caps := validator.Capabilities()
	logger.Info("photo check API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("face_backend", caps.Face),
		zap.String("hand_backend", caps.Hand),
		zap.Bool("moderation", caps.ModerationEnabled),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// dialSidecar returns nil when no address is configured or the sidecar is
// unreachable; both detector families then fall back to in-process backends.
func dialSidecar(ctx context.Context, addr string, logger *zap.Logger) *visionclient.Client {
	if addr == "" {
		logger.Info("no vision sidecar configured")
		return nil
	}
	client, err := visionclient.Dial(ctx, addr, logger.Named("visionclient"))
	if err != nil {
		logger.Warn("vision sidecar unreachable; using fallback detectors", zap.String("addr", addr), zap.Error(err))
		return nil
	}
	return client
}

// resolveBackends probes the face and hand families concurrently. The
// results are fixed for the life of the process.
func resolveBackends(ctx context.Context, cfg *config.Config, sidecar *visionclient.Client, logger *zap.Logger) (capability.Backend[face.Detector], capability.Backend[hand.Detector]) {
	var (
		facePrimary capability.Provider[face.Detector]
		handPrimary capability.Provider[hand.Detector]
		handBackup  capability.Provider[hand.Detector]
	)
	if sidecar != nil {
		facePrimary = face.RemoteProvider(sidecar)
		handPrimary = hand.LandmarkProvider(sidecar, cfg.Thresholds.Hand)
	}
	if cfg.Vision.HandSkinFallback {
		handBackup = hand.SkinProvider(cfg.Thresholds.Hand)
	}

	var (
		faces capability.Backend[face.Detector]
		hands capability.Backend[hand.Detector]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		faces = capability.Resolve(gctx, logger, "face", facePrimary,
			face.CascadeProvider(cfg.Vision.FaceCascadePath, face.DefaultCascadeConfig()))
		return nil
	})
	g.Go(func() error {
		hands = capability.Resolve(gctx, logger, "hand", handPrimary, handBackup)
		return nil
	})
	_ = g.Wait()
	return faces, hands
}

// buildModerator returns nil when moderation is disabled or has no credentials.
func buildModerator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (moderation.Classifier, func() error) {
	mc := cfg.Moderation
	if !mc.Enabled {
		logger.Info("content moderation disabled")
		return nil, nil
	}
	if mc.APIKey() == "" {
		logger.Warn("content moderation enabled but no API key set; stage will be skipped", zap.String("provider", mc.Provider))
		return nil, nil
	}

	var (
		base    moderation.Classifier
		closeFn func() error
	)
	switch mc.Provider {
	case config.ProviderGemini:
		g, err := moderation.NewGeminiClassifier(context.Background(), mc.GeminiKey, mc.Model)
		if err != nil {
			logger.Error("failed to create gemini client; moderation disabled", zap.Error(err))
			return nil, nil
		}
		base, closeFn = g, g.Close
	default:
		o, err := moderation.NewOpenAIClassifier(mc.OpenAIKey, mc.OpenAIBaseURL, mc.Model)
		if err != nil {
			logger.Error("failed to create openai client; moderation disabled", zap.Error(err))
			return nil, nil
		}
		base = o
	}

	if cfg.Redis.Addr == "" {
		return moderationChain(base, nil, mc, logger), closeFn
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	client, err := initRedis(redisCtx, cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable; moderation results will not be cached", zap.Error(err))
		return moderationChain(base, nil, mc, logger), closeFn
	}
	return moderationChain(base, moderation.NewRedisCache(client), mc, logger), joinClosers(closeFn, client.Close)
}

// moderationChain puts the optional cache inside the timeout so cache
// round trips and retries count against MODERATION_TIMEOUT.
func moderationChain(base moderation.Classifier, cache moderation.Cache, mc config.ModerationConfig, logger *zap.Logger) moderation.Classifier {
	classifier := base
	if cache != nil {
		classifier = moderation.NewCachedClassifier(base, cache, mc.CacheTTL,
			moderation.DefaultRetryPolicy(), logger.Named("moderation"))
	}
	return moderation.WithTimeout(classifier, mc.Timeout)
}

// buildAudit always keeps an in-process tally; a database store is added when dsn is set.
func buildAudit(ctx context.Context, dsn string, logger *zap.Logger) (audit.Recorder, audit.Summarizer) {
	tally := audit.NewTally()
	logRecorder := audit.NewLogRecorder(logger)
	if dsn == "" {
		return audit.Fanout(logRecorder, tally), tally
	}

	db, err := initDatabase(ctx, dsn)
	if err != nil {
		logger.Error("audit database unavailable; keeping in-process audit only", zap.Error(err))
		return audit.Fanout(logRecorder, tally), tally
	}
	store := audit.NewStore(db, logger.Named("audit"))
	if err := store.AutoMigrate(ctx); err != nil {
		logger.Error("audit auto migrate failed; keeping in-process audit only", zap.Error(err))
		return audit.Fanout(logRecorder, tally), tally
	}
	return audit.Fanout(logRecorder, tally, store), store
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, logging.NewOperationError("main.open_database", "", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, logging.NewOperationError("main.database_handle", "", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, logging.NewOperationError("main.ping_database", "", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, logging.NewOperationError("main.ping_redis", "", err)
	}
	return client, nil
}

func joinClosers(fns ...func() error) func() error {
	return func() error {
		var errs []error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
