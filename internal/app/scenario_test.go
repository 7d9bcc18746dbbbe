package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/letsgo/internal/access"
	"github.com/hitoshi/letsgo/internal/account"
	"github.com/hitoshi/letsgo/internal/config"
	"github.com/hitoshi/letsgo/internal/directory"
	"github.com/hitoshi/letsgo/internal/docstore"
	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/worker/audit"
)

// recordingMailer は送信したリセットトークンを保持する。
type recordingMailer struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, email, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = make(map[string]string)
	}
	m.tokens[email] = token
	return nil
}

func (m *recordingMailer) token(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[email]
}

func scenarioConfig(mode directory.ReservationMode) *config.Config {
	return &config.Config{
		DocstoreDriver:      config.DriverMemory,
		TokenSecret:         "scenario-secret",
		TokenTTL:            time.Hour,
		BcryptCost:          4,
		LoginMaxFailures:    5,
		LoginFailureWindow:  time.Minute,
		PasswordResetTTL:    time.Hour,
		AccessPolicy:        access.PolicyAnyMember,
		UsernameReservation: mode,
		RateLimitGeneral:    10000,
		RateLimitWrite:      10000,
		CORSAllowedOrigin:   "http://localhost:3000",
	}
}

type scenario struct {
	t      *testing.T
	store  *docstore.MemoryStore
	core   *Core
	mailer *recordingMailer
	server *httptest.Server
}

func newScenario(t *testing.T, mode directory.ReservationMode) *scenario {
	t.Helper()

	cfg := scenarioConfig(mode)
	store := docstore.NewMemoryStore()
	mailer := &recordingMailer{}

	core, err := NewCore(cfg, store, mailer, discardLogger())
	require.NoError(t, err)
	t.Cleanup(core.Close)

	router, limiter := core.Router(cfg, func(context.Context) error { return nil }, discardLogger())
	t.Cleanup(limiter.Stop)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &scenario{t: t, store: store, core: core, mailer: mailer, server: srv}
}

// do はJSONリクエストを送信し、ステータスコードとボディを返す。
func (s *scenario) do(method, path, token string, body any) (int, []byte) {
	s.t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.server.URL+path, r)
	require.NoError(s.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.server.Client().Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp.StatusCode, data
}

type tokenBody struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Token     string `json:"token"`
}

type eventBody struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Locations []string `json:"locations"`
	CreatorID string   `json:"creator_id"`
	MemberIDs []string `json:"member_ids"`
}

type errorBody struct {
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields"`
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), "body: %s", data)
	return v
}

func (s *scenario) signup(username, email string) tokenBody {
	s.t.Helper()
	status, body := s.do(http.MethodPost, "/auth/signup", "", map[string]string{
		"first_name":       "Test",
		"last_name":        strings.ToUpper(username[:1]) + username[1:],
		"username":         username,
		"email":            email,
		"password":         "password123",
		"confirm_password": "password123",
		"birthday":         "1990-04-01",
	})
	require.Equal(s.t, http.StatusCreated, status, "signup body: %s", body)
	tok := decode[tokenBody](s.t, body)
	require.NotEmpty(s.t, tok.Token)
	return tok
}

func TestScenario_SignupLoginInviteFlow(t *testing.T) {
	s := newScenario(t, directory.ModeCheckThenWrite)

	alice := s.signup("alice", "alice@example.com")
	bob := s.signup("bob", "bob@example.com")
	eve := s.signup("eve", "eve@example.com")

	// 同じユーザー名は登録できない
	status, body := s.do(http.MethodPost, "/auth/signup", "", map[string]string{
		"first_name": "Other", "last_name": "Alice", "username": "alice",
		"email": "other@example.com", "password": "password123", "confirm_password": "password123",
		"birthday": "1990-04-01",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeUsernameTaken, decode[errorBody](t, body).Code)

	// ユーザー名とメールアドレスのどちらでもログインできる
	for _, identifier := range []string{"alice", "alice@example.com"} {
		status, body := s.do(http.MethodPost, "/auth/login", "", map[string]string{
			"identifier": identifier, "password": "password123",
		})
		require.Equal(t, http.StatusOK, status, "login %q: %s", identifier, body)
		assert.Equal(t, alice.AccountID, decode[tokenBody](t, body).AccountID)
	}

	status, body = s.do(http.MethodPost, "/auth/login", "", map[string]string{
		"identifier": "ghost", "password": "password123",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, model.ErrCodeUsernameNotFound, decode[errorBody](t, body).Code)

	status, body = s.do(http.MethodPost, "/auth/login", "", map[string]string{
		"identifier": "alice", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, model.ErrCodeInvalidCredential, decode[errorBody](t, body).Code)

	// ユーザー名の解決
	status, body = s.do(http.MethodGet, "/api/usernames/bob", alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, bob.AccountID, decode[map[string]string](t, body)["account_id"])

	// イベントの作成
	status, body = s.do(http.MethodPost, "/api/events", alice.Token, map[string]any{
		"title": "Picnic", "description": "Bring food", "locations": []string{"Park"},
	})
	require.Equal(t, http.StatusCreated, status, "create body: %s", body)
	ev := decode[eventBody](t, body)
	assert.Equal(t, alice.AccountID, ev.CreatorID)
	assert.Equal(t, []string{alice.AccountID}, ev.MemberIDs)

	eventPath := "/api/events/" + ev.ID

	// メンバー以外は閲覧も招待もできない
	status, body = s.do(http.MethodGet, eventPath, bob.Token, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.ErrCodeNotAMember, decode[errorBody](t, body).Code)

	status, body = s.do(http.MethodPost, eventPath+"/members", eve.Token, map[string]string{"username": "eve"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.ErrCodeNotAMember, decode[errorBody](t, body).Code)

	// 招待
	status, body = s.do(http.MethodPost, eventPath+"/members", alice.Token, map[string]string{"username": "bob"})
	require.Equal(t, http.StatusOK, status, "invite body: %s", body)
	assert.Equal(t, []string{alice.AccountID, bob.AccountID}, decode[eventBody](t, body).MemberIDs)

	status, body = s.do(http.MethodPost, eventPath+"/members", bob.Token, map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeAlreadyMember, decode[errorBody](t, body).Code)

	status, body = s.do(http.MethodPost, eventPath+"/members", alice.Token, map[string]string{"username": "ghost"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, model.ErrCodeUsernameNotFound, decode[errorBody](t, body).Code)

	// 招待されたメンバーは閲覧と編集ができる
	status, body = s.do(http.MethodPatch, eventPath, bob.Token, map[string]any{"locations": []string{"Beach", "Park"}})
	require.Equal(t, http.StatusOK, status, "update body: %s", body)
	assert.Equal(t, []string{"Beach", "Park"}, decode[eventBody](t, body).Locations)

	status, body = s.do(http.MethodGet, "/api/events", bob.Token, nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[[]eventBody](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, ev.ID, list[0].ID)

	status, body = s.do(http.MethodGet, "/api/events", eve.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[[]eventBody](t, body))

	// 表示用の氏名
	status, body = s.do(http.MethodGet, "/api/accounts/"+bob.AccountID, alice.Token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "bob")
}

func TestScenario_PasswordReset(t *testing.T) {
	s := newScenario(t, directory.ModeCheckThenWrite)
	alice := s.signup("alice", "alice@example.com")

	status, _ := s.do(http.MethodPost, "/auth/password-reset", "", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusAccepted, status)

	// 未登録のメールアドレスでも同じ応答
	status, _ = s.do(http.MethodPost, "/auth/password-reset", "", map[string]string{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusAccepted, status)

	token := s.mailer.token("alice@example.com")
	require.NotEmpty(t, token)

	status, body := s.do(http.MethodPost, "/auth/password-reset/confirm", "", map[string]string{
		"token": token, "new_password": "new-password",
	})
	require.Equal(t, http.StatusNoContent, status, "confirm body: %s", body)

	// トークンは1回限り
	status, body = s.do(http.MethodPost, "/auth/password-reset/confirm", "", map[string]string{
		"token": token, "new_password": "another-password",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidResetToken, decode[errorBody](t, body).Code)

	status, body = s.do(http.MethodPost, "/auth/login", "", map[string]string{
		"identifier": "alice", "password": "new-password",
	})
	require.Equal(t, http.StatusOK, status, "login body: %s", body)
	assert.Equal(t, alice.AccountID, decode[tokenBody](t, body).AccountID)

	status, _ = s.do(http.MethodPost, "/auth/login", "", map[string]string{
		"identifier": "alice", "password": "password123",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

// readEventSnapshot はSSEストリームから次のeventsイベントを読む。
func readEventSnapshot(t *testing.T, r *bufio.Reader) []eventBody {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name == "events" {
				return decode[[]eventBody](t, []byte(data))
			}
			name, data = "", ""
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestScenario_LiveEventStream(t *testing.T) {
	s := newScenario(t, directory.ModeCheckThenWrite)
	alice := s.signup("alice", "alice@example.com")
	bob := s.signup("bob", "bob@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bob.Token)

	resp, err := s.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream := bufio.NewReader(resp.Body)
	assert.Empty(t, readEventSnapshot(t, stream))

	status, body := s.do(http.MethodPost, "/api/events", alice.Token, map[string]any{"title": "Party", "description": "Bring snacks"})
	require.Equal(t, http.StatusCreated, status)
	ev := decode[eventBody](t, body)

	status, _ = s.do(http.MethodPost, "/api/events/"+ev.ID+"/members", alice.Token, map[string]string{"username": "bob"})
	require.Equal(t, http.StatusOK, status)

	// bobがメンバーになったスナップショットが届く
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("snapshot with the invited event was not delivered")
		default:
		}
		snap := readEventSnapshot(t, stream)
		if len(snap) == 1 {
			assert.Equal(t, ev.ID, snap[0].ID)
			break
		}
	}

	cancel()
	assert.Eventually(t, func() bool {
		return s.store.WatcherCount("events") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// TestScenario_ConcurrentSignupKeepsDirectoryBijective は同じユーザー名での同時登録で
// 予約が1件だけ成立し、予約とアカウント情報の対応が崩れないことを検証する。
func TestScenario_ConcurrentSignupKeepsDirectoryBijective(t *testing.T) {
	s := newScenario(t, directory.ModeTransactional)
	ctx := context.Background()

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		failures []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acc, err := s.core.Registrar.Signup(ctx, account.SignupInput{
				FirstName:       "Racer",
				LastName:        fmt.Sprintf("No%d", i),
				Username:        "racer",
				Email:           fmt.Sprintf("racer%d@example.com", i),
				Password:        "password123",
				ConfirmPassword: "password123",
				Birthday:        time.Date(1990, 4, 1, 0, 0, 0, 0, time.UTC),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			winners = append(winners, acc.ID)
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	for _, err := range failures {
		assert.True(t, model.HasCode(err, model.ErrCodeUsernameTaken), "unexpected error: %v", err)
	}

	resolved, err := s.core.Directory.Resolve(ctx, "racer")
	require.NoError(t, err)
	assert.Equal(t, winners[0], resolved)

	identity, err := s.core.Directory.DisplayName(ctx, resolved)
	require.NoError(t, err)
	assert.Equal(t, "racer", identity.Username)

	// 予約先は必ずそのユーザー名のアカウント情報を指す
	report, err := audit.NewJob(s.store, nil, discardLogger()).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reservations)
	for _, f := range report.Faults {
		assert.Equal(t, audit.FaultUnreserved, f.Kind, "fault: %+v", f)
		assert.NotEqual(t, winners[0], f.AccountID)
	}
}

func TestScenario_DanglingReservationIsNotInvitable(t *testing.T) {
	s := newScenario(t, directory.ModeCheckThenWrite)
	ctx := context.Background()
	alice := s.signup("alice", "alice@example.com")

	// サインアップ途中で失敗し、予約だけが残った状態
	require.NoError(t, s.core.Directory.Reserve(ctx, "phantom", "acc-phantom"))

	status, body := s.do(http.MethodGet, "/api/usernames/phantom", alice.Token, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, model.ErrCodeAccountDataMissing, decode[errorBody](t, body).Code)

	status, body = s.do(http.MethodPost, "/api/events", alice.Token, map[string]any{
		"title": "Picnic", "description": "Bring snacks",
	})
	require.Equal(t, http.StatusCreated, status)
	ev := decode[eventBody](t, body)

	status, body = s.do(http.MethodPost, "/api/events/"+ev.ID+"/members", alice.Token, map[string]string{"username": "phantom"})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, model.ErrCodeAccountDataMissing, decode[errorBody](t, body).Code)

	stored, err := s.core.Events.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.AccountID}, stored.MemberIDs)
}
