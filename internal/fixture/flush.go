package fixture

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "mysql" driver for sql.Open.
	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// sqlFlusher is the MySQL implementation of Flusher. FLUSH TABLES WITH READ
// LOCK needs the RELOAD privilege, so it connects as root rather than the
// application user. The lock lives on a single pinned connection and is
// lost the moment that connection closes.
type sqlFlusher struct {
	log  zerolog.Logger
	db   *sql.DB
	conn *sql.Conn
}

func newSQLFlusher(log zerolog.Logger) *sqlFlusher {
	return &sqlFlusher{log: log}
}

func (f *sqlFlusher) Flush(ctx context.Context, adminDSN string) error {
	if f.conn != nil {
		return nil
	}

	db, err := sql.Open("mysql", adminDSN)
	if err != nil {
		return fmt.Errorf("failed to open admin connection: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to acquire admin connection: %w", err)
	}
	f.db, f.conn = db, conn

	if _, err := conn.ExecContext(ctx, "FLUSH TABLES WITH READ LOCK"); err != nil {
		f.Release()
		return fmt.Errorf("failed to lock tables: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "FLUSH ENGINE LOGS"); err != nil {
		f.Release()
		return fmt.Errorf("failed to flush engine logs: %w", err)
	}
	return nil
}

func (f *sqlFlusher) Release() {
	if f.conn != nil {
		// Background context: Release also runs during teardown, when the
		// caller's context is usually already cancelled.
		if _, err := f.conn.ExecContext(context.Background(), "UNLOCK TABLES"); err != nil {
			f.log.Warn().Err(err).Msg("failed to unlock tables")
		}
		if err := f.conn.Close(); err != nil {
			f.log.Warn().Err(err).Msg("failed to close lock connection")
		}
		f.conn = nil
	}
	if f.db != nil {
		if err := f.db.Close(); err != nil {
			f.log.Warn().Err(err).Msg("failed to close admin connection")
		}
		f.db = nil
	}
}
