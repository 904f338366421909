package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"

	_ "github.com/lib/pq"
)

// postgresDialect uses $n placeholders with native TIMESTAMPTZ and BOOLEAN columns.
type postgresDialect struct{}

func (postgresDialect) name() string          { return "postgres" }
func (postgresDialect) rebind(q string) string { return rebindDollar(q) }
func (postgresDialect) encTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
func (postgresDialect) encBool(b bool) any { return b }
func (postgresDialect) newTime() timeDest  { return &pgTime{} }

type pgTime struct{ sql.NullTime }

func (t *pgTime) get() (time.Time, bool) {
	if !t.Valid {
		return time.Time{}, false
	}
	return t.Time.UTC(), true
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(err, "ping")
	}
	if err := migrate(ctx, db, "migrations/postgres.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("postgres store opened")
	return newPostgresStore(db, log), nil
}

// newPostgresStore wraps an already migrated connection pool.
func newPostgresStore(db *sql.DB, log logx.Logger) *sqlStore {
	return newSQLStore(db, postgresDialect{}, log)
}
