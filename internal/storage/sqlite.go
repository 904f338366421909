package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteDialect stores timestamps as unix milliseconds and booleans as 0/1.
type sqliteDialect struct{}

func (sqliteDialect) name() string          { return "sqlite" }
func (sqliteDialect) rebind(q string) string { return q }
func (sqliteDialect) encTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}
func (sqliteDialect) encBool(b bool) any {
	if b {
		return 1
	}
	return 0
}
func (sqliteDialect) newTime() timeDest { return &msTime{} }

type msTime struct{ sql.NullInt64 }

func (t *msTime) get() (time.Time, bool) {
	if !t.Valid {
		return time.Time{}, false
	}
	return time.UnixMilli(t.Int64).UTC(), true
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; TryClaim atomicity rides on it too.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := migrate(context.Background(), db, "migrations/sqlite.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return newSQLStore(db, sqliteDialect{}, log), nil
}

func migrate(ctx context.Context, db *sql.DB, file string) error {
	b, err := migrationsFS.ReadFile(file)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrapf(err, "migrate %s", file)
	}
	return nil
}
