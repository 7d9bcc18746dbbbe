package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// ChangeChannel はdocumentsテーブルの変更通知チャネル名。
// ペイロードは変更されたコレクション名。
const ChangeChannel = "docstore_changes"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
)

// PostgresStore はPostgreSQLのJSONBテーブルを使用したドキュメントストア実装。
// ライブクエリはLISTEN/NOTIFYで変更を検知し、クエリを再評価する。
type PostgresStore struct {
	db          *sql.DB
	databaseURL string
	logger      *slog.Logger
}

// NewPostgresStore はPostgresStoreを生成する。
// databaseURLはLISTEN用の専用接続に使用する。
func NewPostgresStore(db *sql.DB, databaseURL string, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, databaseURL: databaseURL, logger: logger}
}

// Get は指定ドキュメントを取得する。
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&data)

	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}

	return Snapshot{ID: id, Data: data}, nil
}

// Set はドキュメントをUPSERTで上書きする。
func (s *PostgresStore) Set(ctx context.Context, collection, id string, doc any) error {
	data, err := marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (collection, id) DO UPDATE
		 SET data = EXCLUDED.data, updated_at = now()`,
		collection, id, data,
	)
	if err != nil {
		return fmt.Errorf("failed to set document %s/%s: %w", collection, id, err)
	}

	return nil
}

// Create はドキュメントが存在しない場合のみINSERTする。
func (s *PostgresStore) Create(ctx context.Context, collection, id string, doc any) error {
	data, err := marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, data,
	)
	if err != nil {
		return fmt.Errorf("failed to create document %s/%s: %w", collection, id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyExists
	}

	return nil
}

// Merge はJSONBの連結演算子で指定フィールドだけを置き換える。
func (s *PostgresStore) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		 WHERE collection = $1 AND id = $2`,
		collection, id, patch,
	)
	if err != nil {
		return fmt.Errorf("failed to merge document %s/%s: %w", collection, id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// addToSetQuery は配列フィールドが値を含まない場合のみ末尾に追加する。
// 競合する更新は行ロック取得後にWHERE句が再評価されるため、同じ値が二重に入ることはない。
const addToSetQuery = `UPDATE documents
	SET data = jsonb_set(data, ARRAY[$3::text],
		(CASE WHEN jsonb_typeof(data->$3::text) = 'array' THEN data->$3::text ELSE '[]'::jsonb END) || jsonb_build_array($4::text)),
		updated_at = now()
	WHERE collection = $1 AND id = $2
	  AND NOT (CASE WHEN jsonb_typeof(data->$3::text) = 'array' THEN data->$3::text ELSE '[]'::jsonb END) @> jsonb_build_array($4::text)`

// AddToSet は配列フィールドへ値を追加する。
func (s *PostgresStore) AddToSet(ctx context.Context, collection, id, field, value string) (bool, error) {
	result, err := s.db.ExecContext(ctx, addToSetQuery, collection, id, field, value)
	if err != nil {
		return false, fmt.Errorf("failed to add to %s of %s/%s: %w", field, collection, id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	// 更新されなかった場合は、既に含まれていたのかドキュメントが無いのかを区別する
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND id = $2)`,
		collection, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check document %s/%s: %w", collection, id, err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// Delete はドキュメントを削除する。
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// containsQuery はJSONB包含演算子で配列フィールドの要素を検索する。
// GINインデックス（jsonb_path_ops）が利用できる形にしている。
const containsQuery = `SELECT id, data FROM documents
	WHERE collection = $1 AND data @> jsonb_build_object($2::text, jsonb_build_array($3::text))
	ORDER BY id`

// Query は包含条件に一致するドキュメントを返す。
func (s *PostgresStore) Query(ctx context.Context, collection string, cond Contains) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, containsQuery, collection, cond.Field, cond.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// All はコレクションの全ドキュメントを返す。
func (s *PostgresStore) All(ctx context.Context, collection string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// Subscribe は包含条件のライブクエリを購読する。
// 購読ごとにLISTEN用の専用接続を開き、Closeで解放する。
func (s *PostgresStore) Subscribe(ctx context.Context, collection string, cond Contains) (*Subscription, error) {
	listener := pq.NewListener(s.databaseURL, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("docstore listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		})

	if err := listener.Listen(ChangeChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}

	changes := make(chan struct{}, 1)

	return newSubscription(ctx, func(ctx context.Context, out chan<- []Snapshot) error {
		defer listener.Close()

		go func() {
			defer close(changes)
			for {
				select {
				case n, ok := <-listener.Notify:
					if !ok {
						return
					}
					// 再接続直後はnilが届く。取りこぼしの可能性があるため再評価する。
					if n == nil || n.Extra == collection {
						signal(changes)
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		return pump(ctx, changes, func(ctx context.Context) ([]Snapshot, error) {
			return s.Query(ctx, collection, cond)
		}, out)
	}), nil
}

func scanSnapshots(rows *sql.Rows) ([]Snapshot, error) {
	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var data []byte
		if err := rows.Scan(&snap.ID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		snap.Data = data
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return out, nil
}

// compile-time interface check
var (
	_ Store   = (*PostgresStore)(nil)
	_ Scanner = (*PostgresStore)(nil)
)
