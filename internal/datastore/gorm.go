// Package datastore provides the application-facing data access layer on
// top of the fixture-managed pool: an ORM session and named in-memory cache
// regions. Both hold state derived from the database, so the fixture evicts
// them whenever it rolls the database back.
package datastore

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

// Session is an ORM handle over the shared connection pool. It borrows the
// pool's connections, so closing the pool closes the session.
type Session struct {
	db  *gorm.DB
	log zerolog.Logger
}

// OpenSession builds an ORM session over the given pool. The dialector is
// told not to probe the server version because the pool may not have a
// target yet when the session is created.
func OpenSession(sqlDB *sql.DB, log zerolog.Logger) (*Session, error) {
	return newSession(gormmysql.New(gormmysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), log)
}

func newSession(dialector gorm.Dialector, log zerolog.Logger) (*Session, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		PrepareStmt: true,
		Logger:      gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ORM session: %w", err)
	}
	return &Session{
		db:  db,
		log: log.With().Str("component", "datastore").Logger(),
	}, nil
}

// Gorm returns the ORM handle for application queries.
func (s *Session) Gorm() *gorm.DB {
	return s.db
}

// ResetStatements drops the prepared-statement cache. Statements prepared
// before a repoint reference the previous server, so the fixture calls this
// after every reset to force re-preparation.
func (s *Session) ResetStatements() {
	if stmts, ok := s.db.ConnPool.(*gorm.PreparedStmtDB); ok {
		stmts.Reset()
		s.log.Debug().Msg("prepared statement cache reset")
	}
}
