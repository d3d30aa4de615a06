package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/kauschie/knewit/internal/config"
	"github.com/kauschie/knewit/internal/domain"
	"github.com/kauschie/knewit/internal/infra/file"
	mongoloader "github.com/kauschie/knewit/internal/infra/mongo"
	pgloader "github.com/kauschie/knewit/internal/infra/postgres"
	redisinfra "github.com/kauschie/knewit/internal/infra/redis"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// quizWriter is implemented by the quiz stores that accept new definitions.
type quizWriter interface {
	SaveQuiz(ctx context.Context, quiz domain.Quiz) error
	ListQuizzes(ctx context.Context) ([]domain.QuizSummary, error)
}

// NewQuizCmd groups quiz store maintenance commands.
func NewQuizCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quiz",
		Short: "Manage stored quizzes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE...",
		Short: "Validate quiz YAML/JSON files and save them to the configured store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return importQuizzes(cmd.Context(), cfg, args, logger)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored quizzes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			store, closeStore, err := openQuizWriter(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			quizzes, err := store.ListQuizzes(cmd.Context())
			if err != nil {
				return err
			}
			for _, q := range quizzes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", q.ID, q.NumQuestions, q.Title)
			}
			return nil
		},
	})
	return cmd
}

func importQuizzes(ctx context.Context, cfg config.Config, paths []string, logger *zap.Logger) error {
	quizzes := make([]domain.Quiz, 0, len(paths))
	for _, path := range paths {
		quiz, err := file.ParseQuizFile(path)
		if err != nil {
			return err
		}
		quizzes = append(quizzes, quiz)
	}

	store, closeStore, err := openQuizWriter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var cache *redisinfra.QuizRepository
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		cache = redisinfra.NewQuizRepository(client, nil, 0)
	}

	for _, quiz := range quizzes {
		if err := store.SaveQuiz(ctx, quiz); err != nil {
			return fmt.Errorf("save %s: %w", quiz.ID, err)
		}
		if cache != nil {
			if err := cache.Invalidate(ctx, quiz.ID); err != nil {
				logger.Warn("invalidate cached quiz", zap.String("quiz_id", quiz.ID), zap.Error(err))
			}
		}
		logger.Info("quiz imported", zap.String("quiz_id", quiz.ID), zap.Int("questions", len(quiz.Questions)))
	}
	return nil
}

func openQuizWriter(ctx context.Context, cfg config.Config) (quizWriter, func(), error) {
	switch {
	case cfg.Postgres.URL != "":
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}
		return pgloader.NewQuizLoader(pool), pool.Close, nil
	case cfg.Mongo.URI != "":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, nil, err
		}
		return mongoloader.NewQuizLoader(client, mongoDatabase(cfg)), func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, errors.New("quiz import needs postgres.url or mongo.uri")
	}
}

func mongoDatabase(cfg config.Config) string {
	if cfg.Mongo.Database == "" {
		return "knewit"
	}
	return cfg.Mongo.Database
}
