package event

import (
	"context"
	"sync"

	"github.com/hitoshi/letsgo/internal/docstore"
	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/model"
)

// Feed はListForのライブ購読ハンドル。
// ストアの変更通知のたびにメンバー集合を再評価した全件スナップショットを送出する。
type Feed struct {
	sub     *docstore.Subscription
	events  chan []model.Event
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	metrics metrics.MetricsCollector
}

// Watch はaccountIDがメンバーであるイベント一覧を購読する。
// 最初のスナップショットは購読直後に送出される。
// ctxのキャンセルまたはCloseで購読を終了し、ストア側の監視も停止する。
// 再開する場合は改めてWatchを呼ぶ。
func (r *Repository) Watch(ctx context.Context, accountID string) (*Feed, error) {
	sub, err := r.store.Subscribe(ctx, Collection, docstore.Contains{Field: model.MemberIDsField, Value: accountID})
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}

	f := &Feed{
		sub:     sub,
		events:  make(chan []model.Event),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		metrics: r.metrics,
	}
	f.metrics.SubscriptionOpened()

	go func() {
		defer close(f.done)
		defer close(f.events)
		defer f.metrics.SubscriptionClosed()

		for snaps := range sub.Snapshots() {
			events := r.decodeEvents(accountID, snaps)
			select {
			case f.events <- events:
			case <-f.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return f, nil
}

// Events はスナップショットのチャネルを返す。購読終了時にクローズされる。
func (f *Feed) Events() <-chan []model.Event {
	return f.events
}

// Done は購読終了時にクローズされるチャネルを返す。
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Err は購読がストアのエラーで終了した場合、そのエラーを返す。
func (f *Feed) Err() error {
	if err := f.sub.Err(); err != nil {
		return model.NewStoreUnavailableError(err)
	}
	return nil
}

// Close は購読を停止する。複数回呼んでもよい。
func (f *Feed) Close() error {
	f.once.Do(func() { close(f.stop) })
	err := f.sub.Close()
	<-f.done
	if err != nil {
		return model.NewStoreUnavailableError(err)
	}
	return nil
}
