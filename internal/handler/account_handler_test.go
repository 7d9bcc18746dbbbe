package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/letsgo/internal/model"
)

// --- モック定義 ---

type mockAccountGetter struct {
	getFn func(ctx context.Context, accountID string) (*model.Account, error)
}

func (m *mockAccountGetter) Get(ctx context.Context, accountID string) (*model.Account, error) {
	if m.getFn != nil {
		return m.getFn(ctx, accountID)
	}
	return nil, model.NewAccountNotFoundError(accountID)
}

type mockIdentityDirectory struct {
	resolveFn     func(ctx context.Context, username string) (string, error)
	displayNameFn func(ctx context.Context, accountID string) (*model.DisplayIdentity, error)
}

func (m *mockIdentityDirectory) ResolveAccount(ctx context.Context, username string) (string, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, username)
	}
	return "", model.NewUsernameNotFoundError(username)
}

func (m *mockIdentityDirectory) DisplayName(ctx context.Context, accountID string) (*model.DisplayIdentity, error) {
	if m.displayNameFn != nil {
		return m.displayNameFn(ctx, accountID)
	}
	return nil, model.NewAccountNotFoundError(accountID)
}

// --- GET /api/me ---

func TestAccountHandler_Me_Success(t *testing.T) {
	accounts := &mockAccountGetter{getFn: func(_ context.Context, accountID string) (*model.Account, error) {
		if accountID != "acc-alice" {
			t.Errorf("accountID = %q, want %q", accountID, "acc-alice")
		}
		return &model.Account{
			ID:        "acc-alice",
			Email:     "alice@example.com",
			Username:  "alice",
			FirstName: "Alice",
			Birthday:  time.Date(1990, 4, 1, 0, 0, 0, 0, time.UTC),
		}, nil
	}}
	h := NewAccountHandler(accounts, &mockIdentityDirectory{})

	req := withAccountID(httptest.NewRequest(http.MethodGet, "/api/me", nil), "acc-alice")
	w := httptest.NewRecorder()

	h.Me(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp accountResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Username != "alice" || resp.Email != "alice@example.com" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Birthday != "1990-04-01" {
		t.Errorf("birthday = %q, want %q", resp.Birthday, "1990-04-01")
	}
}

func TestAccountHandler_Me_Unauthenticated(t *testing.T) {
	h := NewAccountHandler(&mockAccountGetter{}, &mockIdentityDirectory{})

	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAccountHandler_Me_NotFound(t *testing.T) {
	h := NewAccountHandler(&mockAccountGetter{}, &mockIdentityDirectory{})

	req := withAccountID(httptest.NewRequest(http.MethodGet, "/api/me", nil), "acc-ghost")
	w := httptest.NewRecorder()

	h.Me(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// --- GET /api/accounts/{id} ---

func TestAccountHandler_GetAccount(t *testing.T) {
	dir := &mockIdentityDirectory{displayNameFn: func(_ context.Context, accountID string) (*model.DisplayIdentity, error) {
		return &model.DisplayIdentity{AccountID: accountID, Username: "bob", FirstName: "Bob"}, nil
	}}
	h := NewAccountHandler(&mockAccountGetter{}, dir)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/acc-bob", nil)
	req = withChiURLParam(req, "id", "acc-bob")
	w := httptest.NewRecorder()

	h.GetAccount(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp model.DisplayIdentity
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.AccountID != "acc-bob" || resp.Username != "bob" {
		t.Errorf("response = %+v", resp)
	}
}

// --- GET /api/usernames/{username} ---

func TestAccountHandler_ResolveUsername(t *testing.T) {
	dir := &mockIdentityDirectory{resolveFn: func(_ context.Context, username string) (string, error) {
		switch username {
		case "bob":
			return "acc-bob", nil
		case "dangling":
			return "", model.NewAccountDataMissingError(username, "acc-dangling")
		}
		return "", model.NewUsernameNotFoundError(username)
	}}
	h := NewAccountHandler(&mockAccountGetter{}, dir)

	tests := []struct {
		username   string
		wantStatus int
	}{
		{"bob", http.StatusOK},
		{"ghost", http.StatusNotFound},
		{"dangling", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/usernames/"+tt.username, nil)
			req = withChiURLParam(req, "username", tt.username)
			w := httptest.NewRecorder()

			h.ResolveUsername(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				var resp usernameResponse
				if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if resp.AccountID != "acc-bob" {
					t.Errorf("account_id = %q, want %q", resp.AccountID, "acc-bob")
				}
			}
		})
	}
}
