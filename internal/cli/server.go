package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/kauschie/knewit/internal/app"
	"github.com/kauschie/knewit/internal/config"
	"github.com/kauschie/knewit/internal/domain"
	"github.com/kauschie/knewit/internal/heartbeat"
	"github.com/kauschie/knewit/internal/hub"
	"github.com/kauschie/knewit/internal/infra/file"
	"github.com/kauschie/knewit/internal/infra/memory"
	mongoloader "github.com/kauschie/knewit/internal/infra/mongo"
	pgloader "github.com/kauschie/knewit/internal/infra/postgres"
	redisinfra "github.com/kauschie/knewit/internal/infra/redis"
	"github.com/kauschie/knewit/internal/scoring"
	transport "github.com/kauschie/knewit/internal/transport/http"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// NewStartCmd builds the CLI subcommand to start the coordinator.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServer(cmd.Context(), cfg, *port, logger)
		},
	}
}

func runServer(ctx context.Context, cfg config.Config, portFlag string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	loader, closeLoader, err := newQuizLoader(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLoader()

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var (
		quizRepo     app.QuizRepository
		store        app.SessionRepository
		leaderboards app.LeaderboardSink
		redisStore   *redisinfra.SessionStore
		routerOpts   []transport.RouterOption
	)
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
		redisStore = redisinfra.NewSessionStore(redisClient, redisTTL)
		store = redisStore
		cache := redisinfra.NewLeaderboardCache(redisClient, redisTTL)
		leaderboards = cache
		routerOpts = append(routerOpts, transport.WithLeaderboardMirror(cache))
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
		store = memory.NewSessionStore()
	}

	registry := hub.NewRegistry(logger)
	service := app.NewQuizService(store, quizRepo, registry, app.Options{
		Policy:           scoringPolicy(cfg),
		QuestionDeadline: config.TTLDuration(cfg.Session.QuestionDeadline, 0),
		ReconnectGrace:   config.TTLDuration(cfg.Session.ReconnectGrace, 60*time.Second),
		IdleTimeout:      config.TTLDuration(cfg.Session.IdleTimeout, 10*time.Minute),
		Leaderboards:     leaderboards,
		Logger:           logger,
	})
	registry.OnDead(func(ep *hub.Endpoint) {
		service.Disconnect(context.Background(), ep)
	})

	monitor := heartbeat.NewMonitor(registry, heartbeat.Config{
		Interval: config.TTLDuration(cfg.Session.PingInterval, heartbeat.DefaultInterval),
		Timeout:  config.TTLDuration(cfg.Session.PongTimeout, heartbeat.DefaultTimeout),
		OnEvict:  service.Disconnect,
		OnTick: func(ctx context.Context, _ time.Time) {
			service.Sweep(ctx)
			if redisStore != nil {
				if err := redisStore.Refresh(ctx); err != nil {
					logger.Warn("refresh session keys", zap.Error(err))
				}
			}
		},
	}, logger)
	go monitor.Run(ctx)
	go service.RunRosterTicker(ctx, config.TTLDuration(cfg.Session.RosterInterval, 3*time.Second))

	wsHandler := transport.NewWSHandler(service, transport.HandlerConfig{
		SendBuffer:       cfg.Session.SendBuffer,
		ReadTimeout:      config.TTLDuration(cfg.Session.PongTimeout, heartbeat.DefaultTimeout),
		PasswordAttempts: cfg.Session.PasswordAttempts,
	}, logger)

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     transport.NewRouter(service, wsHandler, logger, routerOpts...),
		ReadTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting quiz coordinator", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func scoringPolicy(cfg config.Config) scoring.Policy {
	policy := scoring.DefaultPolicy()
	if cfg.Scoring.MaxPoints > 0 {
		policy.MaxPoints = cfg.Scoring.MaxPoints
	}
	if cfg.Scoring.MinPoints > 0 {
		policy.MinPoints = cfg.Scoring.MinPoints
	}
	policy.Deadline = config.TTLDuration(cfg.Scoring.Deadline, policy.Deadline)
	return policy
}

// newQuizLoader picks the quiz backing store: Postgres, then Mongo, then a directory of YAML
// files, then the built-in sample quiz.
func newQuizLoader(ctx context.Context, cfg config.Config, logger *zap.Logger) (memory.QuizLoader, func(), error) {
	switch {
	case cfg.Postgres.URL != "":
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("quiz store: postgres")
		return pgloader.NewQuizLoader(pool), pool.Close, nil
	case cfg.Mongo.URI != "":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, err
		}
		database := mongoDatabase(cfg)
		logger.Info("quiz store: mongo", zap.String("database", database))
		return mongoloader.NewQuizLoader(client, database), func() { _ = client.Disconnect(context.Background()) }, nil
	case cfg.Quiz.Dir != "":
		if _, err := os.Stat(cfg.Quiz.Dir); err != nil {
			return nil, nil, err
		}
		logger.Info("quiz store: files", zap.String("dir", cfg.Quiz.Dir))
		return file.NewQuizLoader(cfg.Quiz.Dir), func() {}, nil
	default:
		logger.Info("quiz store: built-in sample")
		return memory.NewStaticQuizLoader(sampleQuizzes()), func() {}, nil
	}
}

// sampleQuizzes keeps a fresh install playable without any quiz store configured.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"sample": {
			ID:    "sample",
			Title: "Warmup",
			Questions: []domain.Question{
				{ID: "q1", Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5", "22"}, CorrectIndex: 1},
				{ID: "q2", Prompt: "Which planet is largest?", Options: []string{"Mars", "Earth", "Jupiter", "Venus"}, CorrectIndex: 2},
				{ID: "q3", Prompt: "What does HTTP stand for?", Options: []string{
					"HyperText Transfer Protocol", "High Transfer Text Process", "Host Type Transfer Port", "Hyperlink Text Protocol",
				}, CorrectIndex: 0},
			},
		},
	}
}
