// Package event はイベントの作成・取得・一覧・更新を提供する。
//
// 操作はすべて明示的なアカウントIDを受け取り、権限判定はAccessGuardに委譲する。
package event

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/rs/xid"

	"github.com/hitoshi/letsgo/internal/docstore"
	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/security"
)

// Collection はイベントを格納するコレクション名。
const Collection = "events"

// 書き込み種別（メトリクスのラベル）
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpInvite = "invite"
)

// AccessGuard はイベント操作の権限判定インターフェース。
type AccessGuard interface {
	CanRead(accountID string, event *model.Event) bool
	CanEdit(accountID string, event *model.Event) bool
}

// Repository はイベントの読み書きを行う。
type Repository struct {
	store     docstore.Store
	guard     AccessGuard
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewRepository はRepositoryを生成する。
func NewRepository(store docstore.Store, guard AccessGuard, sanitizer security.TextSanitizer, m metrics.MetricsCollector, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}
	return &Repository{
		store:     store,
		guard:     guard,
		sanitizer: sanitizer,
		metrics:   metrics.OrNop(m),
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return xid.New().String() },
	}
}

// Create はイベントを作成する。作成者が唯一の初期メンバーになる。
// タイトルまたは説明が空の場合はVALIDATION_ERRORを返す。
func (r *Repository) Create(ctx context.Context, creatorID, title, description string, locations []string) (*model.Event, error) {
	if creatorID == "" {
		return nil, model.NewUnauthorizedError()
	}

	title = r.sanitizer.Sanitize(title)
	description = r.sanitizer.Sanitize(description)
	if err := validateText(title, description); err != nil {
		return nil, err
	}

	ev := &model.Event{
		ID:          r.newID(),
		Title:       title,
		Description: description,
		Locations:   r.sanitizer.SanitizeAll(locations),
		CreatorID:   creatorID,
		MemberIDs:   []string{creatorID},
		CreatedAt:   r.now().UTC(),
	}

	if err := r.store.Create(ctx, Collection, ev.ID, ev); err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("failed to create event: %w", err))
	}

	r.metrics.RecordEventWrite(OpCreate)
	r.logger.Info("event created",
		slog.String("event_id", ev.ID),
		slog.String("creator_id", creatorID),
	)
	return ev, nil
}

// Get はイベントを取得する。権限判定は行わない。
// 存在しない場合はEVENT_NOT_FOUNDを返す。
func (r *Repository) Get(ctx context.Context, eventID string) (*model.Event, error) {
	snap, err := r.store.Get(ctx, Collection, eventID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, model.NewEventNotFoundError(eventID)
	}
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}

	var ev model.Event
	if err := snap.Decode(&ev); err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("failed to decode event %q: %w", eventID, err))
	}
	ev.ID = snap.ID
	return &ev, nil
}

// Read はメンバーとしてイベントを取得する。
// メンバーでない場合はNOT_A_MEMBERを返す。
func (r *Repository) Read(ctx context.Context, eventID, requesterID string) (*model.Event, error) {
	ev, err := r.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !r.guard.CanRead(requesterID, ev) {
		return nil, model.NewNotAMemberError(eventID)
	}
	return ev, nil
}

// ListFor はaccountIDがメンバーであるイベントを新しい順で返す（有限スナップショット）。
func (r *Repository) ListFor(ctx context.Context, accountID string) ([]model.Event, error) {
	snaps, err := r.store.Query(ctx, Collection, docstore.Contains{Field: model.MemberIDsField, Value: accountID})
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}
	return r.decodeEvents(accountID, snaps), nil
}

// Update はメンバーによるタイトル・説明・場所の編集を反映する。
// 編集権限が無い場合はNOT_A_MEMBERを返し、何も書き込まない。
// 書き込むのはパッチで指定されたフィールドのみで、作成者とメンバー集合には触れない。
func (r *Repository) Update(ctx context.Context, eventID string, patch model.EventPatch, requesterID string) (*model.Event, error) {
	if patch.IsEmpty() {
		return nil, model.NewValidationError(map[string]string{"patch": "Nothing to update"})
	}

	current, err := r.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !r.guard.CanEdit(requesterID, current) {
		return nil, model.NewNotAMemberError(eventID)
	}

	sanitized := r.sanitizePatch(patch)
	updated := sanitized.Apply(*current)
	if err := validateText(updated.Title, updated.Description); err != nil {
		return nil, err
	}

	err = r.store.Merge(ctx, Collection, eventID, sanitized.Fields())
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, model.NewEventNotFoundError(eventID)
	}
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("failed to update event: %w", err))
	}

	r.metrics.RecordEventWrite(OpUpdate)
	r.logger.Info("event updated",
		slog.String("event_id", eventID),
		slog.String("account_id", requesterID),
	)
	return r.reload(ctx, &updated), nil
}

// AddMember はメンバー集合へaccountIDを追加する。
// 追加はストア上で不可分に行われ、同時に行われた他の招待や編集を上書きしない。
// 既にメンバーの場合はALREADY_MEMBERを返し、何も書き込まない。
// 権限判定は呼び出し側で行う。
func (r *Repository) AddMember(ctx context.Context, ev *model.Event, accountID, username string) (*model.Event, error) {
	next := ev.Clone()
	if !next.AddMember(accountID) {
		return nil, model.NewAlreadyMemberError(username)
	}

	added, err := r.store.AddToSet(ctx, Collection, ev.ID, model.MemberIDsField, accountID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, model.NewEventNotFoundError(ev.ID)
	}
	if err != nil {
		return nil, model.NewStoreUnavailableError(fmt.Errorf("failed to add member: %w", err))
	}
	if !added {
		return nil, model.NewAlreadyMemberError(username)
	}

	r.metrics.RecordEventWrite(OpInvite)
	return r.reload(ctx, &next), nil
}

// reload は書き込み後の保存済みイベントを読み直す。
// 読み直しに失敗した場合は書き込んだ内容から組み立てたfallbackを返す。
func (r *Repository) reload(ctx context.Context, fallback *model.Event) *model.Event {
	ev, err := r.Get(ctx, fallback.ID)
	if err != nil {
		r.logger.Warn("failed to reload event after write",
			slog.String("event_id", fallback.ID),
			slog.String("error", err.Error()),
		)
		return fallback
	}
	return ev
}

func (r *Repository) sanitizePatch(p model.EventPatch) model.EventPatch {
	out := model.EventPatch{SetLocations: p.SetLocations}
	if p.Title != nil {
		v := r.sanitizer.Sanitize(*p.Title)
		out.Title = &v
	}
	if p.Description != nil {
		v := r.sanitizer.Sanitize(*p.Description)
		out.Description = &v
	}
	if p.SetLocations {
		out.Locations = r.sanitizer.SanitizeAll(p.Locations)
	}
	return out
}

// decodeEvents はスナップショットをイベントに変換し、新しい順に並べる。
// デコードできないドキュメントはログに残して読み飛ばす。
func (r *Repository) decodeEvents(accountID string, snaps []docstore.Snapshot) []model.Event {
	events := make([]model.Event, 0, len(snaps))
	for _, snap := range snaps {
		var ev model.Event
		if err := snap.Decode(&ev); err != nil {
			r.logger.Error("failed to decode event",
				slog.String("event_id", snap.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ev.ID = snap.ID
		// ストアの包含判定に関わらず、メンバー集合で再評価する
		if !ev.HasMember(accountID) {
			continue
		}
		events = append(events, ev)
	}

	slices.SortStableFunc(events, func(a, b model.Event) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return events
}

func validateText(title, description string) error {
	fields := map[string]string{}
	if title == "" {
		fields["title"] = "Title is required"
	}
	if description == "" {
		fields["description"] = "Description is required"
	}
	if len(fields) > 0 {
		return model.NewValidationError(fields)
	}
	return nil
}
