package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dm-responder/internal/domain"
)

// ErrNotFound is returned when a registry lookup matches no row.
var ErrNotFound = errors.New("repository: not found")

const (
	getAccountSQL = `SELECT id, client_id, ig_user_id, COALESCE(bot_enabled, FALSE)
FROM mfai_app.instagram_accounts
WHERE ig_user_id = $1
LIMIT 1`

	activeTokenSQL = `SELECT t.access_token
FROM mfai_app.tokens t
JOIN mfai_app.instagram_accounts ia ON ia.id = t.ig_account_id
WHERE ia.ig_user_id = $1 AND t.active = TRUE
ORDER BY t.created_at DESC
LIMIT 1`

	systemPromptSQL = `SELECT value
FROM mfai_app.client_prompts
WHERE client_id = $1 AND key = 'system'
LIMIT 1`

	appendLogSQL = `INSERT INTO mfai_app.message_logs (ig_account_id, direction, payload)
VALUES ($1, $2, $3)`
)

// pgxAPI is the subset of *pgxpool.Pool used by Registry.
type pgxAPI interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Registry reads the account registry, tokens and tenant prompts, and appends
// to the message log.
type Registry struct {
	db pgxAPI
}

// NewRegistry creates a Registry on top of a pgx pool or connection.
func NewRegistry(db pgxAPI) (*Registry, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &Registry{db: db}, nil
}

// PoolConfig holds pgxpool connection settings.
type PoolConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// NewPool opens and pings a pgx connection pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository: parse database config: %w", err)
	}
	poolCfg.MaxConns = 4
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("repository: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}
	return pool, nil
}

// GetAccount returns the registry row for a business account.
func (r *Registry) GetAccount(ctx context.Context, igUserID string) (domain.Account, error) {
	var acct domain.Account
	err := r.db.QueryRow(ctx, getAccountSQL, igUserID).Scan(&acct.ID, &acct.ClientID, &acct.IGUserID, &acct.BotEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("repository: GetAccount: %w", err)
	}
	return acct, nil
}

// ActiveToken returns the newest active access token for a business account.
func (r *Registry) ActiveToken(ctx context.Context, igUserID string) (string, error) {
	var token string
	err := r.db.QueryRow(ctx, activeTokenSQL, igUserID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("repository: ActiveToken: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrNotFound
	}
	return token, nil
}

// SystemPrompt returns the tenant's system prompt override.
func (r *Registry) SystemPrompt(ctx context.Context, clientID int64) (string, error) {
	var prompt string
	err := r.db.QueryRow(ctx, systemPromptSQL, clientID).Scan(&prompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("repository: SystemPrompt: %w", err)
	}
	return prompt, nil
}

// AppendLog inserts one audit record into the message log.
func (r *Registry) AppendLog(ctx context.Context, rec domain.LogRecord) error {
	if rec.Direction != domain.DirectionIn && rec.Direction != domain.DirectionOut {
		return fmt.Errorf("repository: AppendLog: invalid direction %q", rec.Direction)
	}
	if _, err := r.db.Exec(ctx, appendLogSQL, rec.AccountID, string(rec.Direction), string(rec.Payload)); err != nil {
		return fmt.Errorf("repository: AppendLog: %w", err)
	}
	return nil
}
