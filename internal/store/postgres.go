package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrow-service/internal/apperrors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore is the sqlx/lib/pq implementation of Store
type PostgresStore struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *PostgresStore) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a database transaction
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify("execute", err)
	}

	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// ListReleasable returns held payments due for auto-release
func (s *PostgresStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]Releasable, error) {
	query := `
		SELECT p.id AS payment_id, p.request_id, p.auto_release_at
		FROM payments p
		JOIN service_requests r ON r.id = p.request_id
		WHERE p.status = 'ESCROW_HELD'
		  AND p.auto_release_at <= $1
		  AND r.escrow_status = 'ESCROW_HELD'
		  AND NOT EXISTS (
			SELECT 1 FROM disputes d
			WHERE d.request_id = p.request_id AND d.status <> 'RESOLVED'
		  )
		ORDER BY p.auto_release_at
		LIMIT $2`

	var rows []Releasable
	if err := s.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, classify("list releasable", err)
	}
	return rows, nil
}

type pgTx struct {
	tx *sqlx.Tx
}

// setClause accumulates "col = $n" assignments for a conditional update
type setClause struct {
	sets []string
	args []interface{}
}

func (c *setClause) add(column string, value interface{}) {
	c.args = append(c.args, value)
	c.sets = append(c.sets, fmt.Sprintf("%s = $%d", column, len(c.args)))
}

func (c *setClause) arg(value interface{}) string {
	c.args = append(c.args, value)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *setClause) String() string {
	return strings.Join(c.sets, ", ")
}

func execCAS(ctx context.Context, tx *sqlx.Tx, query string, args ...interface{}) (bool, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Retryable SQLSTATE codes and classes
var retryableSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
}

// classify turns driver errors into apperrors.TransactionError. Errors that
// already belong to the taxonomy pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var he apperrors.HTTPError
	if errors.As(err, &he) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if code == "23505" {
			return apperrors.StaleState("conflicting row: %s", pqErr.Constraint)
		}
		retryable := retryableSQLStates[code] || strings.HasPrefix(code, "08")
		return &apperrors.TransactionError{Op: op, Retryable: retryable, Err: err}
	}

	retryable := errors.Is(err, sql.ErrConnDone) || apperrors.IsTransientNetwork(err)
	return &apperrors.TransactionError{Op: op, Retryable: retryable, Err: err}
}
