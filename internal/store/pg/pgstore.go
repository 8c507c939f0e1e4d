// Package pg reads authorization records and feeds from the community's
// PostgreSQL database. The schema is owned elsewhere; the agent only writes
// auth-code redemptions and ping windows.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"warden.org/internal/obs"
)

const pgErrUniqueViolation = "23505"

var errNoDB = errors.New("database connection unavailable")

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Killmails above MinValue within Lookback count as high value.
	MinValue float64
	Lookback time.Duration
}

func (o *Options) defaults() {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 4
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 2
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
	if o.MinValue <= 0 {
		o.MinValue = 2e9
	}
	if o.Lookback <= 0 {
		o.Lookback = 3 * time.Hour
	}
}

type Store struct {
	db       *sql.DB
	minValue float64
	lookback time.Duration
	log      *zap.Logger
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	opts.defaults()
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts Options) *Store {
	opts.defaults()
	return &Store{db: db, minValue: opts.MinValue, lookback: opts.Lookback, log: obs.Named("store")}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func trimmed(s sql.NullString) string { return strings.TrimSpace(s.String) }
