package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cbtexam/internal/app"
	"cbtexam/internal/auth"
	"cbtexam/internal/credential"
	"cbtexam/internal/db"
	"cbtexam/internal/exam"
	"cbtexam/internal/question"
	"cbtexam/internal/report"
	"cbtexam/internal/session"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

const devIdentitySecret = "cbtexam-dev-identity-secret"

func main() {
	cfg := app.LoadConfig()
	app.SetupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	examCfg, err := cfg.ExamConfig(time.Now())
	if err != nil {
		log.Fatal().Err(err).Msg("exam config")
	}
	fireAt, err := cfg.CredentialFireAt()
	if err != nil {
		log.Fatal().Err(err).Msg("credential config")
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbConn, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN, cfg.PoolConfig())
	if err == nil {
		err = db.Migrate(openCtx, dbConn, db.Driver(cfg.DBDriver))
	}
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("database error")
	}
	defer dbConn.Close()

	owners, limiter, closeRedis := connectRedis(ctx, cfg)
	defer closeRedis()

	store, closeBank := openQuestionStore(ctx, cfg, dbConn)
	defer closeBank()

	bank := question.NewBank(store, nil)
	examSvc := exam.NewService(dbConn, bank, owners, examCfg)

	secret := cfg.IdentityJWTSecret
	if secret == "" {
		if cfg.AppEnv != "development" {
			log.Fatal().Msg("IDENTITY_JWT_SECRET is required outside development")
		}
		log.Warn().Msg("IDENTITY_JWT_SECRET not set, using development secret")
		secret = devIdentitySecret
	}

	signingKey := cfg.CredentialSigningKey
	if signingKey == "" {
		signingKey = secret
	}
	distributor := credential.NewSQLDistributor(dbConn, examCfg.ExamDate, signingKey)

	router := app.NewRouter(cfg, app.Deps{
		DB:          dbConn,
		Verifier:    auth.NewVerifier(secret, cfg.IdentityJWTIssuer),
		Exam:        exam.NewHandler(examSvc),
		Reports:     report.NewHandler(report.NewService(dbConn, examCfg.PointsPerQuestion), examCfg.ExamDate),
		Credentials: credential.NewHandler(distributor),
		Questions:   question.NewHandler(bank, examCfg.Distribution),
		Limiter:     limiter,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", cfg.HTTPAddr).
			Str("exam_date", examCfg.ExamDate).
			Time("window_start", examCfg.WindowStart).
			Time("window_end", examCfg.WindowEnd).
			Msg("cbtexam web listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return exam.NewSweeper(examSvc, time.Duration(cfg.SweepIntervalSeconds)*time.Second).Run(gctx)
	})
	g.Go(func() error {
		return credential.NewScheduler(distributor, fireAt).Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// connectRedis returns the shared stores when Redis answers and process-local
// ones otherwise.
func connectRedis(ctx context.Context, cfg app.Config) (session.OwnershipStore, app.RateLimiter, func()) {
	memoryLimiter := app.NewIPRateLimiter(cfg.RateLimitPerMin, time.Minute)
	if cfg.RedisAddr == "" {
		log.Warn().Msg("REDIS_ADDR not set, session ownership and rate limits are process-local")
		return session.NewMemoryStore(), memoryLimiter, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, falling back to process-local stores")
		_ = rdb.Close()
		return session.NewMemoryStore(), memoryLimiter, func() {}
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	return session.NewRedisStore(rdb), app.NewRedisRateLimiter(rdb, cfg.RateLimitPerMin, time.Minute), func() { _ = rdb.Close() }
}

func openQuestionStore(ctx context.Context, cfg app.Config, dbConn *sql.DB) (question.Store, func()) {
	if cfg.QuestionBankDriver != "mongo" {
		return question.NewSQLStore(dbConn), func() {}
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mongodb")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		log.Fatal().Err(err).Msg("failed to ping mongodb")
	}
	log.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongodb")
	return question.NewMongoStore(client.Database(cfg.MongoDatabase)), func() {
		_ = client.Disconnect(context.Background())
	}
}
