package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/letsgo/internal/model"
)

// mockDirectory はUsernameResolverのモック。
type mockDirectory struct {
	resolveFn func(ctx context.Context, username string) (string, error)
	calls     []string
}

func (m *mockDirectory) Resolve(ctx context.Context, username string) (string, error) {
	m.calls = append(m.calls, username)
	return m.resolveFn(ctx, username)
}

// mockAccounts はAccountGetterのモック。
type mockAccounts struct {
	getFn func(ctx context.Context, accountID string) (*model.Account, error)
	calls []string
}

func (m *mockAccounts) Get(ctx context.Context, accountID string) (*model.Account, error) {
	m.calls = append(m.calls, accountID)
	return m.getFn(ctx, accountID)
}

// mockAuth はPasswordAuthenticatorのモック。
type mockAuth struct {
	authenticateFn func(ctx context.Context, email, password string) (string, error)
	emails         []string
}

func (m *mockAuth) Authenticate(ctx context.Context, email, password string) (string, error) {
	m.emails = append(m.emails, email)
	return m.authenticateFn(ctx, email, password)
}

// recordingMetrics はログイン結果を記録するメトリクスのモック。
type recordingMetrics struct {
	logins []string
	faults []string
}

func (m *recordingMetrics) RecordLogin(method, outcome string) {
	m.logins = append(m.logins, method+":"+outcome)
}
func (m *recordingMetrics) RecordConsistencyFault(source string) {
	m.faults = append(m.faults, source)
}
func (m *recordingMetrics) RecordReservation(string)           {}
func (m *recordingMetrics) RecordInvite(string)                {}
func (m *recordingMetrics) RecordEventWrite(string)            {}
func (m *recordingMetrics) SubscriptionOpened()                {}
func (m *recordingMetrics) SubscriptionClosed()                {}
func (m *recordingMetrics) RecordHTTPStatus(int)               {}
func (m *recordingMetrics) RecordRequestLatency(time.Duration) {}

// aliceFixture はalice（acc-alice / alice@example.com / secret）を認識するモック一式を返す。
func aliceFixture() (*mockDirectory, *mockAccounts, *mockAuth) {
	dir := &mockDirectory{resolveFn: func(_ context.Context, username string) (string, error) {
		if username == "alice_username" {
			return "acc-alice", nil
		}
		return "", model.NewUsernameNotFoundError(username)
	}}
	accounts := &mockAccounts{getFn: func(_ context.Context, id string) (*model.Account, error) {
		if id == "acc-alice" {
			return &model.Account{ID: "acc-alice", Email: "alice@example.com", Username: "alice_username"}, nil
		}
		return nil, model.NewAccountNotFoundError(id)
	}}
	auth := &mockAuth{authenticateFn: func(_ context.Context, email, password string) (string, error) {
		if email == "alice@example.com" && password == "secret" {
			return "acc-alice", nil
		}
		return "", model.NewInvalidCredentialError()
	}}
	return dir, accounts, auth
}

func TestLogin_EmailAndUsernameResolveToSameAccount(t *testing.T) {
	dir, accounts, auth := aliceFixture()
	r := NewResolver(dir, accounts, auth, nil, nil)
	ctx := context.Background()

	byEmail, err := r.Login(ctx, "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("Login by email returned error: %v", err)
	}
	byUsername, err := r.Login(ctx, "alice_username", "secret")
	if err != nil {
		t.Fatalf("Login by username returned error: %v", err)
	}
	if byEmail != byUsername || byEmail != "acc-alice" {
		t.Errorf("email -> %q, username -> %q, want both acc-alice", byEmail, byUsername)
	}
}

func TestLogin_EmailSkipsDirectory(t *testing.T) {
	dir, accounts, auth := aliceFixture()
	r := NewResolver(dir, accounts, auth, nil, nil)

	if _, err := r.Login(context.Background(), "alice@example.com", "secret"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if len(dir.calls) != 0 || len(accounts.calls) != 0 {
		t.Errorf("directory calls = %v, account calls = %v, want none", dir.calls, accounts.calls)
	}
}

func TestLogin_UsernameNotFoundNeverReachesAuthenticator(t *testing.T) {
	dir, accounts, auth := aliceFixture()
	r := NewResolver(dir, accounts, auth, nil, nil)

	_, err := r.Login(context.Background(), "ghost", "secret")
	if !model.HasCode(err, model.ErrCodeUsernameNotFound) {
		t.Fatalf("Login error = %v, want USERNAME_NOT_FOUND", err)
	}
	if len(auth.emails) != 0 {
		t.Errorf("Authenticate called with %v, want no calls", auth.emails)
	}
	if len(accounts.calls) != 0 {
		t.Errorf("account lookup should not happen: %v", accounts.calls)
	}
}

func TestLogin_AccountDataMissing(t *testing.T) {
	dir := &mockDirectory{resolveFn: func(context.Context, string) (string, error) { return "acc-orphan", nil }}
	accounts := &mockAccounts{getFn: func(_ context.Context, id string) (*model.Account, error) {
		return nil, model.NewAccountNotFoundError(id)
	}}
	auth := &mockAuth{authenticateFn: func(context.Context, string, string) (string, error) { return "x", nil }}
	m := &recordingMetrics{}
	var logs bytes.Buffer
	r := NewResolver(dir, accounts, auth, m, slog.New(slog.NewJSONHandler(&logs, nil)))

	_, err := r.Login(context.Background(), "neo", "secret")

	apiErr, ok := model.AsAPIError(err)
	if !ok || apiErr.Code != model.ErrCodeAccountDataMissing {
		t.Fatalf("Login error = %v, want ACCOUNT_DATA_MISSING", err)
	}
	if apiErr.Category != model.CategoryConsistency {
		t.Errorf("Category = %q, want %q", apiErr.Category, model.CategoryConsistency)
	}
	if len(auth.emails) != 0 {
		t.Error("credential must not be submitted when the account record is missing")
	}
	if !strings.Contains(logs.String(), "acc-orphan") {
		t.Errorf("consistency fault should be logged with account id, got %s", logs.String())
	}
	if len(m.faults) != 1 || m.faults[0] != "login" {
		t.Errorf("faults = %v, want [login]", m.faults)
	}
}

func TestLogin_LookupOrder(t *testing.T) {
	var order []string
	dir := &mockDirectory{resolveFn: func(context.Context, string) (string, error) {
		order = append(order, "resolve")
		return "acc-1", nil
	}}
	accounts := &mockAccounts{getFn: func(context.Context, string) (*model.Account, error) {
		order = append(order, "account")
		return &model.Account{ID: "acc-1", Email: "x@example.com"}, nil
	}}
	auth := &mockAuth{authenticateFn: func(context.Context, string, string) (string, error) {
		order = append(order, "authenticate")
		return "acc-1", nil
	}}
	r := NewResolver(dir, accounts, auth, nil, nil)

	if _, err := r.Login(context.Background(), "someone", "pw"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	want := []string{"resolve", "account", "authenticate"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
	if auth.emails[0] != "x@example.com" {
		t.Errorf("authenticated email = %q, want the account's email", auth.emails[0])
	}
}

func TestLogin_AuthErrorMapping(t *testing.T) {
	unknown := errors.New("provider exploded")
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"invalid credential", model.NewInvalidCredentialError(), model.ErrCodeInvalidCredential},
		{"rate limited", model.NewRateLimitedError(), model.ErrCodeRateLimited},
		{"unknown", unknown, model.ErrCodeAuthFailed},
		{"store unavailable", model.NewStoreUnavailableError(unknown), model.ErrCodeAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &mockAuth{authenticateFn: func(context.Context, string, string) (string, error) { return "", tt.err }}
			r := NewResolver(nil, nil, auth, nil, nil)

			_, err := r.Login(context.Background(), "a@example.com", "pw")
			if !model.HasCode(err, tt.wantCode) {
				t.Errorf("Login error = %v, want %s", err, tt.wantCode)
			}
		})
	}
}

func TestLogin_StoreErrorOnResolvePassesThrough(t *testing.T) {
	dir := &mockDirectory{resolveFn: func(context.Context, string) (string, error) {
		return "", model.NewStoreUnavailableError(errors.New("down"))
	}}
	r := NewResolver(dir, nil, nil, nil, nil)

	_, err := r.Login(context.Background(), "neo", "pw")
	if !model.HasCode(err, model.ErrCodeStoreUnavailable) {
		t.Errorf("Login error = %v, want STORE_UNAVAILABLE", err)
	}
}

func TestLogin_EmptyInput(t *testing.T) {
	r := NewResolver(nil, nil, nil, nil, nil)

	_, err := r.Login(context.Background(), "  ", "")
	apiErr, ok := model.AsAPIError(err)
	if !ok || apiErr.Code != model.ErrCodeValidation {
		t.Fatalf("Login error = %v, want VALIDATION_ERROR", err)
	}
	if apiErr.Fields["identifier"] == "" || apiErr.Fields["password"] == "" {
		t.Errorf("Fields = %v, want identifier and password errors", apiErr.Fields)
	}
}

func TestLogin_RecordsMetrics(t *testing.T) {
	dir, accounts, auth := aliceFixture()
	m := &recordingMetrics{}
	r := NewResolver(dir, accounts, auth, m, nil)
	ctx := context.Background()

	r.Login(ctx, "alice_username", "secret")
	r.Login(ctx, "alice@example.com", "wrong")

	want := []string{"username:success", "email:INVALID_CREDENTIAL"}
	if strings.Join(m.logins, ",") != strings.Join(want, ",") {
		t.Errorf("logins = %v, want %v", m.logins, want)
	}
}
