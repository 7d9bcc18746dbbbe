package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/hitoshi/letsgo/internal/config"
	"github.com/hitoshi/letsgo/internal/database"
	"github.com/hitoshi/letsgo/internal/docstore"
)

// DocumentStore はコアの操作とバックグラウンドジョブの走査の両方を提供するストア。
type DocumentStore interface {
	docstore.Store
	docstore.Scanner
}

// Backend は設定に応じて開いたドキュメントストアと、その疎通確認・解放処理をまとめる。
type Backend struct {
	Store DocumentStore
	Ping  func(ctx context.Context) error
	Close func() error
}

// compile-time interface check
var (
	_ DocumentStore = (*docstore.MemoryStore)(nil)
	_ DocumentStore = (*docstore.PostgresStore)(nil)
	_ DocumentStore = (*docstore.MongoStore)(nil)
)

// OpenBackend はDOCSTORE_DRIVERに応じたドキュメントストアを開き、接続を確認する。
func OpenBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.DocstoreDriver {
	case config.DriverPostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("database connection established", slog.String("driver", cfg.DocstoreDriver))
		return &Backend{
			Store: docstore.NewPostgresStore(db, cfg.DatabaseURL, logger),
			Ping:  db.PingContext,
			Close: db.Close,
		}, nil

	case config.DriverMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
			client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to ping mongo: %w", err)
		}
		logger.Info("database connection established",
			slog.String("driver", cfg.DocstoreDriver),
			slog.String("database", cfg.MongoDatabase),
		)
		return &Backend{
			Store: docstore.NewMongoStore(client.Database(cfg.MongoDatabase)),
			Ping: func(ctx context.Context) error {
				return client.Ping(ctx, readpref.Primary())
			},
			Close: func() error {
				return client.Disconnect(context.Background())
			},
		}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory document store; data is lost on exit")
		return &Backend{
			Store: docstore.NewMemoryStore(),
			Ping:  func(context.Context) error { return nil },
			Close: func() error { return nil },
		}, nil

	default:
		return nil, fmt.Errorf("unknown DOCSTORE_DRIVER: %q", cfg.DocstoreDriver)
	}
}
