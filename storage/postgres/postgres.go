// Package postgres provides a PostgreSQL implementation of the subsync.Repository
// and subsync.UserDirectory interfaces.
// Every read-modify-write runs in one transaction holding a row lock (SELECT ... FOR UPDATE),
// so concurrent events for the same subscription are serialized by the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// uniqueViolation is the SQLSTATE for unique constraint failures
const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool the storage needs
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Storage implements subsync.Repository and subsync.UserDirectory using PostgreSQL
type Storage struct {
	db     DB
	config Config

	queries queries
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// SubscriptionsTable holds one row per account (default: "subscriptions")
	SubscriptionsTable string

	// UsersTable is the account table with id and email columns (default: "users")
	UsersTable string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:           10,
		MinConns:           2,
		MaxConnLifetime:    time.Hour,
		MaxConnIdleTime:    30 * time.Minute,
		SubscriptionsTable: "subscriptions",
		UsersTable:         "users",
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewWithDB(pool, config), nil
}

// NewWithDB creates a storage adapter over an existing pool
func NewWithDB(db DB, config Config) *Storage {
	if config.SubscriptionsTable == "" {
		config.SubscriptionsTable = "subscriptions"
	}
	if config.UsersTable == "" {
		config.UsersTable = "users"
	}
	return &Storage{
		db:      db,
		config:  config,
		queries: buildQueries(config),
	}
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// GetByUser implements subsync.Repository
func (s *Storage) GetByUser(ctx context.Context, userID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx, s.queries.selectByUser, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetByExternalID implements subsync.Repository
func (s *Storage) GetByExternalID(ctx context.Context, externalID string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx, s.queries.selectByExternalID, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// UpdateByUser implements subsync.Repository.
// A transaction-scoped advisory lock on the user id serializes first inserts,
// which have no row to lock yet.
func (s *Storage) UpdateByUser(ctx context.Context, userID string,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	if userID == "" {
		return nil, subsync.ErrInvalidSubscription
	}

	return s.inTx(ctx, func(tx pgx.Tx) (*subsync.Subscription, error) {
		if _, err := tx.Exec(ctx, s.queries.lockUser, userID); err != nil {
			return nil, fmt.Errorf("failed to lock user: %w", err)
		}

		existing, err := scanSubscription(tx.QueryRow(ctx, s.queries.selectByUserForUpdate, userID))
		if errors.Is(err, pgx.ErrNoRows) {
			existing = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to get subscription for update: %w", err)
		}

		return s.apply(ctx, tx, userID, existing, fn)
	})
}

// UpdateByExternalID implements subsync.Repository
func (s *Storage) UpdateByExternalID(ctx context.Context, externalID string,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	return s.inTx(ctx, func(tx pgx.Tx) (*subsync.Subscription, error) {
		existing, err := scanSubscription(tx.QueryRow(ctx, s.queries.selectByExternalIDForUpdate, externalID))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, subsync.ErrSubscriptionNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get subscription for update: %w", err)
		}

		return s.apply(ctx, tx, existing.UserID, existing, fn)
	})
}

// FindUserByEmail implements subsync.UserDirectory
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (*subsync.User, error) {
	var user subsync.User
	err := s.db.QueryRow(ctx, s.queries.selectUserByEmail, strings.TrimSpace(email)).Scan(&user.ID, &user.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

func (s *Storage) apply(ctx context.Context, tx pgx.Tx, userID string, existing *subsync.Subscription,
	fn subsync.MutateFunc) (*subsync.Subscription, error) {
	next, err := fn(existing)
	if err != nil {
		return nil, err
	}
	if next == nil || next.UserID != userID {
		return nil, subsync.ErrInvalidSubscription
	}

	_, err = tx.Exec(ctx, s.queries.upsert,
		next.UserID,
		next.ExternalID,
		string(next.Plan),
		next.Cancelled,
		next.NextBillDate,
		next.EventTime,
		next.CancelURL,
		next.UpdateURL,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, subsync.ErrExternalIDConflict
		}
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}

	saved := *next
	return &saved, nil
}

func (s *Storage) inTx(ctx context.Context,
	fn func(tx pgx.Tx) (*subsync.Subscription, error)) (*subsync.Subscription, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	sub, err := fn(tx)
	if err != nil {
		//nolint:errcheck // the original error is more useful than a rollback failure
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return sub, nil
}

func scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	var plan string
	err := row.Scan(
		&sub.UserID,
		&sub.ExternalID,
		&plan,
		&sub.Cancelled,
		&sub.NextBillDate,
		&sub.EventTime,
		&sub.CancelURL,
		&sub.UpdateURL,
	)
	if err != nil {
		return nil, err
	}
	sub.Plan = subsync.Plan(plan)
	sub.NextBillDate = sub.NextBillDate.UTC()
	sub.EventTime = sub.EventTime.UTC()
	return &sub, nil
}
