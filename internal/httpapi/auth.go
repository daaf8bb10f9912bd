package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pharmapos/backend/internal/domain"
	"pharmapos/backend/internal/validation"
)

const tokenIssuer = "pharmapos"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserStore persists staff accounts. store.Repository satisfies it.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager signs staff into the API. Accounts are always read from the
// user store, so cashiers created by another replica can log in at once.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
	validate *validation.Validator
	logger   *zap.Logger
	now      func() time.Time
}

type accessClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// NewAuthManager builds the manager and migrates any plain-text passwords
// found in the store. A nil store keeps accounts in process memory.
func NewAuthManager(ctx context.Context, secret string, tokenTTL time.Duration, users UserStore, logger *zap.Logger) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if users == nil {
		users = &localUsers{accounts: make(map[string]domain.UserAccount)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		validate: validation.New(),
		logger:   logger.Named("auth"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	// Login repeats the upgrade, so a store failure here is not fatal.
	if _, err := manager.accounts(ctx); err != nil {
		manager.logger.Warn("password upgrade skipped at startup", zap.Error(err))
	}
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	account, ok, err := a.account(ctx, normalizeUsername(req.Username))
	if err != nil {
		return domain.LoginResponse{}, err
	}
	if !ok || !passwordMatches(account.Password, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, ErrAccountInactive
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.issue(account, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign access token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken verifies an access token and returns the actor it names.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	var claims accessClaims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) issue(account domain.UserAccount, expiresAt time.Time) (string, error) {
	claims := accessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   account.Username,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: account.Role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	req.Username = normalizeUsername(req.Username)
	if err := a.validate.Struct(req); err != nil {
		return domain.CashierUser{}, err
	}
	if _, exists, err := a.account(ctx, req.Username); err != nil {
		return domain.CashierUser{}, err
	} else if exists {
		return domain.CashierUser{}, fmt.Errorf("%w: %s", ErrUsernameTaken, req.Username)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("hash password: %w", err)
	}
	account := domain.UserAccount{
		Username:  req.Username,
		Password:  hash,
		Role:      domain.RoleCashier,
		Active:    true,
		CreatedAt: a.now(),
	}
	if err := a.users.CreateUser(ctx, account); err != nil {
		return domain.CashierUser{}, err
	}
	return cashierView(account), nil
}

// ListCashiers returns cashier accounts sorted by username. A store failure
// yields an empty list.
func (a *AuthManager) ListCashiers(ctx context.Context) []domain.CashierUser {
	accounts, err := a.accounts(ctx)
	if err != nil {
		return []domain.CashierUser{}
	}
	result := make([]domain.CashierUser, 0, len(accounts))
	for _, account := range accounts {
		if account.Role == domain.RoleCashier {
			result = append(result, cashierView(account))
		}
	}
	slices.SortFunc(result, func(x, y domain.CashierUser) int {
		return strings.Compare(x.Username, y.Username)
	})
	return result
}

func (a *AuthManager) account(ctx context.Context, username string) (domain.UserAccount, bool, error) {
	accounts, err := a.accounts(ctx)
	if err != nil {
		return domain.UserAccount{}, false, err
	}
	account, ok := accounts[username]
	return account, ok, nil
}

// accounts reads every account keyed by normalized username. Passwords still
// stored in plain text are hashed and written back.
func (a *AuthManager) accounts(ctx context.Context) (map[string]domain.UserAccount, error) {
	list, err := a.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	out := make(map[string]domain.UserAccount, len(list))
	for _, account := range list {
		account.Username = normalizeUsername(account.Username)
		if account.Username == "" {
			continue
		}
		if !isPasswordHash(account.Password) {
			if hash, err := a.upgradePassword(ctx, account); err != nil {
				a.logger.Warn("password upgrade failed", zap.String("username", account.Username), zap.Error(err))
			} else {
				account.Password = hash
			}
		}
		out[account.Username] = account
	}
	return out, nil
}

func (a *AuthManager) upgradePassword(ctx context.Context, account domain.UserAccount) (string, error) {
	hash, err := hashPassword(account.Password)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := a.users.UpdateUserPassword(ctx, account.Username, hash); err != nil {
		return "", err
	}
	return hash, nil
}

func cashierView(account domain.UserAccount) domain.CashierUser {
	return domain.CashierUser{
		Username:  account.Username,
		Role:      account.Role,
		Active:    account.Active,
		CreatedAt: account.CreatedAt,
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func passwordMatches(hash string, input string) bool {
	if !isPasswordHash(hash) || strings.TrimSpace(input) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isPasswordHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// localUsers backs an AuthManager built without a store.
type localUsers struct {
	mu       sync.Mutex
	accounts map[string]domain.UserAccount
}

func (l *localUsers) CreateUser(_ context.Context, user domain.UserAccount) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[user.Username]; ok {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, user.Username)
	}
	l.accounts[user.Username] = user
	return nil
}

func (l *localUsers) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(l.accounts))
	for _, account := range l.accounts {
		out = append(out, account)
	}
	return out, nil
}

func (l *localUsers) UpdateUserPassword(_ context.Context, username string, password string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.accounts[username]
	if !ok {
		return fmt.Errorf("account %s not found", username)
	}
	account.Password = password
	l.accounts[username] = account
	return nil
}
