package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pharmapos/backend/internal/domain"
)

type userStoreStub struct {
	mu        sync.Mutex
	users     map[string]domain.UserAccount
	updates   int
	listErr   error
	updateErr error
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store, nil)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].Password == "admin123" {
		t.Fatalf("expected password to be upgraded from plain-text")
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestAuthManagerLogsStartupUpgradeFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := &userStoreStub{listErr: errors.New("connection refused")}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store, zap.New(core))
	if manager == nil {
		t.Fatalf("expected a manager despite the store failure")
	}

	entries := logs.FilterMessage("password upgrade skipped at startup").All()
	if len(entries) != 1 {
		t.Fatalf("expected one startup warning, got %d", logs.Len())
	}
	if entries[0].LoggerName != "auth" {
		t.Fatalf("expected auth logger, got %q", entries[0].LoggerName)
	}
	if got := entries[0].ContextMap()["error"]; !strings.Contains(got.(string), "connection refused") {
		t.Fatalf("expected the store error in the entry, got %v", got)
	}
}

func TestAuthManagerLogsFailedPasswordWriteBack(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"cashier": {Username: "cashier", Password: "cashier123", Role: domain.RoleCashier, Active: true},
		},
		updateErr: errors.New("read-only replica"),
	}

	NewAuthManager(context.Background(), "test-secret", time.Hour, store, zap.New(core))

	entries := logs.FilterMessage("password upgrade failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one write-back warning, got %d", logs.Len())
	}
	if entries[0].ContextMap()["username"] != "cashier" {
		t.Fatalf("expected username field, got %v", entries[0].ContextMap())
	}
	if store.users["cashier"].Password != "cashier123" {
		t.Fatalf("expected the stored password to be left alone")
	}
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store, nil)
	cashier, err := manager.CreateCashier(context.Background(), domain.CashierCreateRequest{
		Username: "apotek2",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if cashier.Username != "apotek2" {
		t.Fatalf("unexpected username %s", cashier.Username)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "apotek2" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected cashier to be saved")
	}
	if found.Password == "pass1234" {
		t.Fatalf("expected cashier password to be hashed")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	_, err = manager.Login(context.Background(), domain.LoginRequest{
		Username: "apotek2",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("login with hashed cashier failed: %v", err)
	}
}

func TestCreateCashierRejectsWeakInput(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, &userStoreStub{}, nil)
	cases := []domain.CashierCreateRequest{
		{Username: "abc", Password: "pass1234"},
		{Username: "has space", Password: "pass1234"},
		{Username: "apotek3", Password: "12345"},
	}
	for _, req := range cases {
		if _, err := manager.CreateCashier(context.Background(), req); err == nil {
			t.Fatalf("expected %+v to be rejected", req)
		}
	}

	if _, err := manager.CreateCashier(context.Background(), domain.CashierCreateRequest{Username: "Apotek3", Password: "pass1234"}); err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if _, err := manager.CreateCashier(context.Background(), domain.CashierCreateRequest{Username: "apotek3", Password: "pass1234"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
	if _, err := manager.CreateCashier(context.Background(), domain.CashierCreateRequest{Username: "apotek3", Password: "pass1234"}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if got := manager.ListCashiers(context.Background()); len(got) != 1 || got[0].Username != "apotek3" {
		t.Fatalf("expected one lower-cased cashier, got %+v", got)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	store := &userStoreStub{
		users: map[string]domain.UserAccount{
			"cashier": {
				Username: "cashier",
				Password: mustHashPassword(t, "cashier123"),
				Role:     domain.RoleCashier,
				Active:   true,
			},
			"retired": {
				Username: "retired",
				Password: mustHashPassword(t, "cashier123"),
				Role:     domain.RoleCashier,
			},
		},
	}
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, store, nil)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Cashier ", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "cashier" || actor.Role != domain.RoleCashier {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager(context.Background(), "another-secret", time.Hour, nil, nil)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "retired", Password: "cashier123"}); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected inactive account to be refused, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "cashier", Password: "nope"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestParseTokenRejectsExpiredToken(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, nil, nil)
	if _, err := manager.CreateCashier(context.Background(), domain.CashierCreateRequest{Username: "night1", Password: "pass1234"}); err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	manager.now = func() time.Time { return time.Now().UTC().Add(-2 * time.Hour) }
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "night1", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := manager.ParseToken(resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}
