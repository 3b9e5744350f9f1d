// Package auth implements registration, login, access/refresh-token
// session management, and logout for filament, backed by Argon2id password
// hashing. A login issues a short-lived access token (used as the bearer
// credential on every other request) and a long-lived refresh token; each
// call to Refresh rotates both and records the spent refresh digest so a
// replayed refresh token is detected and its session revoked.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filament/server/internal/api/apiutil"
	"github.com/filament/server/internal/models"
)

// dummyHash is compared against on every login attempt for a username that
// does not exist, so a nonexistent-user response takes the same amount of
// time as a wrong-password response. It is a real Argon2id hash of a random
// value generated once at package init.
var dummyHash string

func init() {
	h, err := argon2id.CreateHash(randomToken(32), argon2id.DefaultParams)
	if err != nil {
		panic(fmt.Sprintf("auth: generating dummy hash: %v", err))
	}
	dummyHash = h
}

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// AuthError is a typed authentication failure carrying the HTTP status and
// stable error code the caller should surface.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

func errInvalidCredentials() *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "invalid username or password"}
}

func errUnauthorized() *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "authentication required"}
}

// Config bundles the dependencies a Service needs.
type Config struct {
	Pool                 *pgxpool.Pool
	Logger               *slog.Logger
	AccessTokenDuration  time.Duration
	RefreshTokenDuration time.Duration
}

// Service implements registration, login, refresh, and logout against the
// users and sessions tables.
type Service struct {
	pool                 *pgxpool.Pool
	logger               *slog.Logger
	accessTokenDuration  time.Duration
	refreshTokenDuration time.Duration
}

// New creates an auth Service.
func New(cfg Config) *Service {
	access := cfg.AccessTokenDuration
	if access <= 0 {
		access = 15 * time.Minute
	}
	refresh := cfg.RefreshTokenDuration
	if refresh <= 0 {
		refresh = 30 * 24 * time.Hour
	}
	return &Service{pool: cfg.Pool, logger: cfg.Logger, accessTokenDuration: access, refreshTokenDuration: refresh}
}

// RegisterRequest is the body of a registration call.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest is the body of a login call.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the body of a token refresh call.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// LogoutRequest is the body of a logout call.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenPair is the access/refresh token pair and access-token lifetime
// returned by Login and Refresh.
type TokenPair struct {
	AccessToken   string
	RefreshToken  string
	ExpiresInSecs int64
}

// randomToken returns n random bytes hex-encoded.
func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

func digest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Register creates a new user account. It always succeeds from the
// caller's perspective: the response is the same whether the account was
// created, the username was already taken, or the input failed validation,
// so the endpoint can never be used to enumerate existing usernames. A
// taken username or malformed input is a silent no-op; only an
// infrastructure failure (hashing, database) is returned as an error.
func (s *Service) Register(ctx context.Context, req RegisterRequest) error {
	if !usernamePattern.MatchString(req.Username) || len(req.Password) < 8 {
		return nil
	}

	hash, err := argon2id.CreateHash(req.Password, argon2id.DefaultParams)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	user := &models.User{
		ID:           models.NewULID().String(),
		Username:     req.Username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Username, user.PasswordHash, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Info("user registered", slog.String("user_id", user.ID), slog.String("username", user.Username))
	return nil
}

// maxFailedLogins is the number of consecutive failed attempts before an
// account is temporarily locked.
const maxFailedLogins = 10

// failedLoginLockDuration is how long an account stays locked after hitting
// maxFailedLogins.
const failedLoginLockDuration = 15 * time.Minute

// Login verifies credentials and issues a new session. It always runs an
// Argon2id comparison, even for a username that does not exist, so that
// response timing does not reveal account existence. Every failure mode
// (unknown user, wrong password, locked account) returns the identical
// invalid_credentials error.
func (s *Service) Login(ctx context.Context, req LoginRequest) (TokenPair, error) {
	var user models.User
	var lockedUntil *time.Time
	var failedCount int
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, failed_login_count, locked_until, created_at
		   FROM users WHERE username = $1`, req.Username).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &failedCount, &lockedUntil, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Run the comparison anyway against the dummy hash to equalize timing.
		_, _ = argon2id.ComparePasswordAndHash(req.Password, dummyHash)
		return TokenPair{}, errInvalidCredentials()
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("looking up user: %w", err)
	}

	if lockedUntil != nil && lockedUntil.After(time.Now()) {
		_, _ = argon2id.ComparePasswordAndHash(req.Password, dummyHash)
		return TokenPair{}, errInvalidCredentials()
	}

	match, err := argon2id.ComparePasswordAndHash(req.Password, user.PasswordHash)
	if err != nil {
		return TokenPair{}, fmt.Errorf("comparing password: %w", err)
	}
	if !match {
		s.recordFailedLogin(ctx, user.ID, failedCount+1)
		return TokenPair{}, errInvalidCredentials()
	}

	if failedCount > 0 || lockedUntil != nil {
		_, _ = s.pool.Exec(ctx,
			`UPDATE users SET failed_login_count = 0, locked_until = NULL WHERE id = $1`, user.ID)
	}

	return s.createSession(ctx, user.ID)
}

func (s *Service) recordFailedLogin(ctx context.Context, userID string, newCount int) {
	if newCount >= maxFailedLogins {
		lockUntil := time.Now().Add(failedLoginLockDuration)
		_, err := s.pool.Exec(ctx,
			`UPDATE users SET failed_login_count = $1, locked_until = $2 WHERE id = $3`,
			newCount, lockUntil, userID)
		if err != nil {
			s.logger.Error("recording account lock failed", slog.String("error", err.Error()))
		}
		return
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET failed_login_count = $1 WHERE id = $2`, newCount, userID)
	if err != nil {
		s.logger.Error("recording failed login failed", slog.String("error", err.Error()))
	}
}

// createSession issues a fresh access/refresh token pair for userID and
// stores both digests in a new session row.
func (s *Service) createSession(ctx context.Context, userID string) (TokenPair, error) {
	accessToken := randomToken(32)
	refreshToken := randomToken(32)
	now := time.Now()
	session := models.Session{
		ID:                    models.NewULID().String(),
		UserID:                userID,
		AccessTokenDigest:     digest(accessToken),
		AccessTokenExpiresAt:  now.Add(s.accessTokenDuration),
		RefreshTokenDigest:    digest(refreshToken),
		RefreshTokenExpiresAt: now.Add(s.refreshTokenDuration),
		CreatedAt:             now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, access_token_digest, access_token_expires_at,
		                        refresh_token_digest, refresh_token_expires_at, revoked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
		session.ID, session.UserID, session.AccessTokenDigest, session.AccessTokenExpiresAt,
		session.RefreshTokenDigest, session.RefreshTokenExpiresAt, session.CreatedAt)
	if err != nil {
		return TokenPair{}, fmt.Errorf("inserting session: %w", err)
	}
	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresInSecs: int64(s.accessTokenDuration.Seconds())}, nil
}

// ValidateSession looks up the session for the given access token and
// returns the authenticated user ID. A revoked or expired session, or one
// whose digest does not match any stored session, returns Unauthorized.
func (s *Service) ValidateSession(ctx context.Context, accessToken string) (string, error) {
	want := digest(accessToken)

	var userID string
	var storedDigest []byte
	var expiresAt time.Time
	var revoked bool
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, access_token_digest, access_token_expires_at, revoked FROM sessions WHERE access_token_digest = $1`,
		want).Scan(&userID, &storedDigest, &expiresAt, &revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errUnauthorized()
	}
	if err != nil {
		return "", fmt.Errorf("looking up session: %w", err)
	}

	if subtle.ConstantTimeCompare(storedDigest, want) != 1 {
		return "", errUnauthorized()
	}
	if revoked {
		return "", errUnauthorized()
	}
	if expiresAt.Before(time.Now()) {
		return "", errUnauthorized()
	}

	return userID, nil
}

// Refresh rotates the session identified by refreshToken, issuing a new
// access/refresh token pair and invalidating the one just spent. Presenting
// a refresh token that has already been rotated away (replay) revokes the
// session it belonged to and reports invalid credentials, never silently
// issuing fresh tokens from a stale credential.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	want := digest(refreshToken)

	var sessionID, userID string
	var revoked bool
	var refreshExpiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, revoked, refresh_token_expires_at FROM sessions WHERE refresh_token_digest = $1`,
		want).Scan(&sessionID, &userID, &revoked, &refreshExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		s.handlePossibleReplay(ctx, want)
		return TokenPair{}, errInvalidCredentials()
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("looking up session: %w", err)
	}
	if revoked || refreshExpiresAt.Before(time.Now()) {
		return TokenPair{}, errInvalidCredentials()
	}

	newAccessToken := randomToken(32)
	newRefreshToken := randomToken(32)
	now := time.Now()
	newAccessDigest := digest(newAccessToken)
	newRefreshDigest := digest(newRefreshToken)
	accessExpiresAt := now.Add(s.accessTokenDuration)
	refreshExpiresAtNew := now.Add(s.refreshTokenDuration)

	err = apiutil.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE sessions SET access_token_digest = $1, access_token_expires_at = $2,
			                      refresh_token_digest = $3, refresh_token_expires_at = $4
			 WHERE id = $5`,
			newAccessDigest, accessExpiresAt, newRefreshDigest, refreshExpiresAtNew, sessionID); err != nil {
			return fmt.Errorf("rotating session: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO used_refresh_tokens (digest, session_id, used_at) VALUES ($1, $2, $3)`,
			want, sessionID, now); err != nil {
			return fmt.Errorf("recording spent refresh token: %w", err)
		}
		return nil
	})
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{AccessToken: newAccessToken, RefreshToken: newRefreshToken, ExpiresInSecs: int64(s.accessTokenDuration.Seconds())}, nil
}

// handlePossibleReplay checks whether digest belongs to a refresh token
// that was already rotated away. If so, the session it was issued to is
// revoked: reuse of a spent refresh token is treated as a stolen-token
// signal, not a benign retry.
func (s *Service) handlePossibleReplay(ctx context.Context, tokenDigest []byte) {
	var sessionID string
	err := s.pool.QueryRow(ctx,
		`SELECT session_id FROM used_refresh_tokens WHERE digest = $1`, tokenDigest).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return
	}
	if err != nil {
		s.logger.Error("checking refresh token replay failed", slog.String("error", err.Error()))
		return
	}

	if _, err := s.pool.Exec(ctx, `UPDATE sessions SET revoked = true WHERE id = $1`, sessionID); err != nil {
		s.logger.Error("revoking replayed session failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Warn("refresh token replay detected, session revoked", slog.String("session_id", sessionID))
}

// Logout revokes the session associated with the given refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	want := digest(refreshToken)
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET revoked = true WHERE refresh_token_digest = $1`, want)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// uniqueViolationCode is the PostgreSQL error code for a unique constraint
// violation (23505).
const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
