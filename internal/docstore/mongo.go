package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore はMongoDBを使用したドキュメントストア実装。
// コレクション名はそのままMongoDBのコレクション名になる。
// ライブクエリはchange streamを使用するため、レプリカセット構成が必要。
type MongoStore struct {
	db *mongo.Database
}

// mongoDocument はMongoDB上のドキュメント表現。
// 本体はdataフィールドに格納し、包含クエリは data.<field> に対して行う。
type mongoDocument struct {
	ID   string         `bson:"_id"`
	Data map[string]any `bson:"data"`
}

// NewMongoStore はMongoStoreを生成する。
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// Get は指定ドキュメントを取得する。
func (s *MongoStore) Get(ctx context.Context, collection, id string) (Snapshot, error) {
	var doc mongoDocument
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}
	return toSnapshot(doc)
}

// Set はドキュメントをupsertで上書きする。
func (s *MongoStore) Set(ctx context.Context, collection, id string, doc any) error {
	md, err := toMongoDocument(id, doc)
	if err != nil {
		return err
	}

	_, err = s.db.Collection(collection).ReplaceOne(ctx,
		bson.M{"_id": id}, md, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to set document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Create はドキュメントが存在しない場合のみINSERTする。
// _idの一意性制約違反をErrAlreadyExistsに変換する。
func (s *MongoStore) Create(ctx context.Context, collection, id string, doc any) error {
	md, err := toMongoDocument(id, doc)
	if err != nil {
		return err
	}

	_, err = s.db.Collection(collection).InsertOne(ctx, md)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Merge は$setで data.<field> を置き換える。
func (s *MongoStore) Merge(ctx context.Context, collection, id string, fields map[string]any) error {
	md, err := toMongoDocument(id, fields)
	if err != nil {
		return err
	}

	set := bson.M{}
	for k, v := range md.Data {
		set["data."+k] = v
	}
	if len(set) == 0 {
		return s.ensureExists(ctx, collection, id)
	}

	result, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to merge document %s/%s: %w", collection, id, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AddToSet は$addToSetで配列フィールドへ値を追加する。
func (s *MongoStore) AddToSet(ctx context.Context, collection, id, field, value string) (bool, error) {
	result, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.M{"_id": id}, bson.M{"$addToSet": bson.M{"data." + field: value}})
	if err != nil {
		return false, fmt.Errorf("failed to add to %s of %s/%s: %w", field, collection, id, err)
	}
	if result.MatchedCount == 0 {
		return false, ErrNotFound
	}
	return result.ModifiedCount > 0, nil
}

// Delete はドキュメントを削除する。
func (s *MongoStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query は包含条件に一致するドキュメントを返す。
// 配列フィールドに対する等値条件は要素の包含として評価される。
func (s *MongoStore) Query(ctx context.Context, collection string, cond Contains) ([]Snapshot, error) {
	return s.find(ctx, collection, bson.M{"data." + cond.Field: cond.Value})
}

// All はコレクションの全ドキュメントを返す。
func (s *MongoStore) All(ctx context.Context, collection string) ([]Snapshot, error) {
	return s.find(ctx, collection, bson.M{})
}

// Subscribe は包含条件のライブクエリを購読する。
// コレクションのchange streamを開き、変更のたびにクエリを再評価する。
func (s *MongoStore) Subscribe(ctx context.Context, collection string, cond Contains) (*Subscription, error) {
	stream, err := s.db.Collection(collection).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", collection, err)
	}

	changes := make(chan struct{}, 1)

	return newSubscription(ctx, func(ctx context.Context, out chan<- []Snapshot) error {
		streamErr := make(chan error, 1)

		go func() {
			defer close(changes)
			for stream.Next(ctx) {
				signal(changes)
			}
			streamErr <- stream.Err()
		}()

		err := pump(ctx, changes, func(ctx context.Context) ([]Snapshot, error) {
			return s.Query(ctx, collection, cond)
		}, out)

		// Closeはctx終了後に呼ぶため、独立したコンテキストを使う
		closeErr := stream.Close(context.Background())
		if err != nil {
			return err
		}
		if serr := <-streamErr; serr != nil && ctx.Err() == nil {
			return fmt.Errorf("change stream for %s failed: %w", collection, serr)
		}
		return closeErr
	}), nil
}

func (s *MongoStore) ensureExists(ctx context.Context, collection, id string) error {
	n, err := s.db.Collection(collection).CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to check document %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) find(ctx context.Context, collection string, filter bson.M) ([]Snapshot, error) {
	cursor, err := s.db.Collection(collection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}

	var docs []mongoDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", collection, err)
	}

	out := make([]Snapshot, 0, len(docs))
	for _, d := range docs {
		snap, err := toSnapshot(d)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// toMongoDocument はJSONでエンコードした本体をMongoDBのドキュメントに変換する。
// JSONタグをそのままフィールド名として使うため、一度JSONを経由する。
func toMongoDocument(id string, doc any) (mongoDocument, error) {
	data, err := marshal(doc)
	if err != nil {
		return mongoDocument{}, fmt.Errorf("failed to encode document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return mongoDocument{}, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return mongoDocument{ID: id, Data: fields}, nil
}

func toSnapshot(doc mongoDocument) (Snapshot, error) {
	data, err := json.Marshal(doc.Data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	return Snapshot{ID: doc.ID, Data: data}, nil
}

// compile-time interface check
var (
	_ Store   = (*MongoStore)(nil)
	_ Scanner = (*MongoStore)(nil)
)
