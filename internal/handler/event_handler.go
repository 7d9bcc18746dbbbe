package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/letsgo/internal/event"
	"github.com/hitoshi/letsgo/internal/model"
)

// defaultHeartbeatInterval はSSE接続を維持するためのコメント送信間隔。
const defaultHeartbeatInterval = 25 * time.Second

// EventService はイベントハンドラーが必要とするサービスインターフェース。
type EventService interface {
	Create(ctx context.Context, creatorID, title, description string, locations []string) (*model.Event, error)
	Read(ctx context.Context, eventID, requesterID string) (*model.Event, error)
	ListFor(ctx context.Context, accountID string) ([]model.Event, error)
	Update(ctx context.Context, eventID string, patch model.EventPatch, requesterID string) (*model.Event, error)
}

// EventWatcher はイベント一覧のライブ購読インターフェース。
type EventWatcher interface {
	Watch(ctx context.Context, accountID string) (*event.Feed, error)
}

// Inviter はイベントへの招待インターフェース。
type Inviter interface {
	Invite(ctx context.Context, eventID, username, requesterID string) (*model.Event, error)
}

// EventHandler はイベント管理のHTTPハンドラー。
type EventHandler struct {
	service   EventService
	watcher   EventWatcher
	inviter   Inviter
	heartbeat time.Duration
}

// NewEventHandler はEventHandlerを生成する。
func NewEventHandler(service EventService, watcher EventWatcher, inviter Inviter) *EventHandler {
	return &EventHandler{
		service:   service,
		watcher:   watcher,
		inviter:   inviter,
		heartbeat: defaultHeartbeatInterval,
	}
}

// createEventRequest はイベント作成リクエストのボディ。
type createEventRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Locations   []string `json:"locations"`
}

// updateEventRequest はイベント編集リクエストのボディ。省略した項目は変更しない。
type updateEventRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Locations   *[]string `json:"locations"`
}

// inviteRequest は招待リクエストのボディ。
type inviteRequest struct {
	Username string `json:"username"`
}

// eventResponse はイベント情報のAPIレスポンス。
type eventResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Locations   []string  `json:"locations"`
	CreatorID   string    `json:"creator_id"`
	MemberIDs   []string  `json:"member_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListEvents は認証済みアカウントがメンバーのイベント一覧を返す。
// GET /api/events
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	events, err := h.service.ListFor(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventResponses(events))
}

// StreamEvents はイベント一覧の全件スナップショットをServer-Sent Eventsで送信する。
// クライアントが切断すると購読を終了する。
// GET /api/events/stream
func (h *EventHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		handleServiceError(w, fmt.Errorf("response writer does not support flushing"))
		return
	}

	feed, err := h.watcher.Watch(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	defer feed.Close()

	// サーバーのWriteTimeoutを解除する
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case events, ok := <-feed.Events():
			if !ok {
				if err := feed.Err(); err != nil {
					slog.Warn("event stream ended",
						slog.String("account_id", accountID),
						slog.String("error", err.Error()),
					)
					writeSSE(w, "error", model.NewStoreUnavailableError(err).Code)
					flusher.Flush()
				}
				return
			}
			if err := writeSSE(w, "events", toEventResponses(events)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// CreateEvent はイベントを作成する。作成者が唯一のメンバーになる。
// POST /api/events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	var req createEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ev, err := h.service.Create(r.Context(), accountID, req.Title, req.Description, req.Locations)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEventResponse(ev))
}

// GetEvent はイベントを取得する。メンバー以外は403を返す。
// GET /api/events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	ev, err := h.service.Read(r.Context(), chi.URLParam(r, "id"), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventResponse(ev))
}

// UpdateEvent はイベントを編集する。
// PATCH /api/events/{id}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	var req updateEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	patch := model.EventPatch{
		Title:       req.Title,
		Description: req.Description,
	}
	if req.Locations != nil {
		patch.Locations = *req.Locations
		patch.SetLocations = true
	}

	ev, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), patch, accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventResponse(ev))
}

// InviteMember はユーザー名を指定してイベントにメンバーを招待する。
// POST /api/events/{id}/members
func (h *EventHandler) InviteMember(w http.ResponseWriter, r *http.Request) {
	accountID, ok := requireAccountID(w, r)
	if !ok {
		return
	}

	var req inviteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ev, err := h.inviter.Invite(r.Context(), chi.URLParam(r, "id"), req.Username, accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventResponse(ev))
}

// writeSSE はServer-Sent Eventsの1イベントを書き込む。
func writeSSE(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func toEventResponse(ev *model.Event) eventResponse {
	locations := ev.Locations
	if locations == nil {
		locations = []string{}
	}
	return eventResponse{
		ID:          ev.ID,
		Title:       ev.Title,
		Description: ev.Description,
		Locations:   locations,
		CreatorID:   ev.CreatorID,
		MemberIDs:   ev.MemberIDs,
		CreatedAt:   ev.CreatedAt,
	}
}

func toEventResponses(events []model.Event) []eventResponse {
	resp := make([]eventResponse, len(events))
	for i := range events {
		resp[i] = toEventResponse(&events[i])
	}
	return resp
}
