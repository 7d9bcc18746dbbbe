// Package docstore はキーパスで参照するドキュメントストアを提供する。
//
// コアが使用するアクセスパターンはポイント読み取り、ポイント書き込み、
// フィールド包含によるライブクエリ購読の3つに限定される。
// 実装はメモリ、PostgreSQL（JSONB + LISTEN/NOTIFY）、MongoDB（change stream）の3種類。
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	// ErrNotFound はドキュメントが存在しないことを表す。
	ErrNotFound = errors.New("docstore: document not found")
	// ErrAlreadyExists はCreateで既にドキュメントが存在したことを表す。
	ErrAlreadyExists = errors.New("docstore: document already exists")
)

// Snapshot はある時点のドキュメント1件を表す。
type Snapshot struct {
	ID   string
	Data json.RawMessage
}

// Decode はドキュメント本体をdstにデコードする。
func (s Snapshot) Decode(dst any) error {
	return json.Unmarshal(s.Data, dst)
}

// Contains は「配列フィールドFieldがValueを含む」という包含条件を表す。
type Contains struct {
	Field string
	Value string
}

// Store はドキュメントストアのインターフェース。
type Store interface {
	// Get は指定ドキュメントを取得する。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, collection, id string) (Snapshot, error)

	// Set はドキュメントを無条件に上書きする（後勝ち）。
	Set(ctx context.Context, collection, id string, doc any) error

	// Create はドキュメントが存在しない場合のみ作成する。
	// 既に存在する場合はErrAlreadyExistsを返し、何も書き込まない。
	Create(ctx context.Context, collection, id string, doc any) error

	// Merge は既存ドキュメントのトップレベルフィールドのうちfieldsに含まれるものだけを置き換える。
	// 他のフィールドは保存済みの値が保たれる。存在しない場合はErrNotFoundを返す。
	Merge(ctx context.Context, collection, id string, fields map[string]any) error

	// AddToSet は配列フィールドにvalueが含まれていなければ末尾へ追加する。
	// 判定と追加は不可分に行われ、追加した場合のみaddedがtrueになる。
	// ドキュメントが存在しない場合はErrNotFoundを返す。
	AddToSet(ctx context.Context, collection, id, field, value string) (added bool, err error)

	// Delete はドキュメントを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, collection, id string) error

	// Query は包含条件に一致するドキュメントをID昇順で返す。
	Query(ctx context.Context, collection string, cond Contains) ([]Snapshot, error)

	// Subscribe は包含条件のライブクエリを購読する。
	// 購読開始時と、コレクションへの変更通知を受けるたびに、条件に一致する全件を
	// スナップショットとして送出する（差分ではない）。
	Subscribe(ctx context.Context, collection string, cond Contains) (*Subscription, error)
}

// Scanner はコレクション全件の走査インターフェース。
// バックグラウンドジョブ専用で、コアの操作からは使用しない。
type Scanner interface {
	All(ctx context.Context, collection string) ([]Snapshot, error)
}

// Subscription はライブクエリの購読ハンドル。
// Closeを呼ぶとストア側の監視も停止する。停止後に再購読するには新しくSubscribeする。
type Subscription struct {
	snapshots chan []Snapshot
	cancel    context.CancelFunc
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// runFunc は購読の本体。outへスナップショットを送出し、ctxのキャンセルで終了する。
type runFunc func(ctx context.Context, out chan<- []Snapshot) error

func newSubscription(parent context.Context, run runFunc) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	s := &Subscription{
		snapshots: make(chan []Snapshot),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.snapshots)
		if err := run(ctx, s.snapshots); err != nil && !errors.Is(err, context.Canceled) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()

	return s
}

// Snapshots はスナップショットのチャネルを返す。
// 購読が終了するとクローズされる。
func (s *Subscription) Snapshots() <-chan []Snapshot {
	return s.snapshots
}

// Done は購読の終了時にクローズされるチャネルを返す。
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err は購読がエラーで終了した場合のエラーを返す。
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close は購読を停止し、バックグラウンド処理の終了を待つ。
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return s.Err()
}

// queryFunc は包含条件の再評価を行う関数。
type queryFunc func(ctx context.Context) ([]Snapshot, error)

// pump は変更通知を受けるたびにqueryを再評価し、全件スナップショットをoutへ送る。
// changesがクローズされると終了する。通知は容量1のチャネルで合流させる前提。
func pump(ctx context.Context, changes <-chan struct{}, query queryFunc, out chan<- []Snapshot) error {
	for {
		snap, err := query(ctx)
		if err != nil {
			return err
		}

		select {
		case out <- snap:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// signal は容量1のチャネルへ非ブロッキングで通知する。
// 未処理の通知が既にあれば合流させる。
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func marshal(doc any) ([]byte, error) {
	if raw, ok := doc.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(doc)
}
