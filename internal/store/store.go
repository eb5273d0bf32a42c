// Package store is the relational persistence layer: a MySQL-backed
// implementation of every narrow per-component Database interface the rest
// of the module declares (fleet.Store, funnel.Store, broadcast.Store,
// gate.Store, conversation.Store, bot.Database). All cross-component state
// transitions go through here so that row-level locking gives exactly-once
// claim semantics on ScheduledMessage and BroadcastDelivery rows (§5).
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"tgfleet/lib/sl"
)

// Store wraps a *sql.DB and the idempotent startup migrator. Adapted from
// the teacher's opencart/database.MySql: connect-with-retry, pooled
// connections, and addColumnIfNotExists-driven schema evolution — but here
// the migrator owns full CREATE TABLE statements too, since this module
// starts from an empty schema rather than an existing OpenCart install.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open connects to MySQL, retrying a few times while the database starts,
// and runs the idempotent migrator before returning.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}

	var pingErr error
	for i := 0; i < 3; i++ {
		if pingErr = db.Ping(); pingErr == nil {
			break
		}
		if i == 2 {
			return nil, fmt.Errorf("ping database: %w", pingErr)
		}
		time.Sleep(5 * time.Second)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, log: log.With(sl.Module("store"))}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// columnExists backs the idempotent ALTER TABLE pattern the teacher uses in
// opencart/database/table-structure.go, generalized to any table/column
// pair instead of one hard-coded OpenCart prefix.
func (s *Store) columnExists(table, column string) (bool, error) {
	var name string
	err := s.db.QueryRow(
		`SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?`,
		table, column,
	).Scan(&name)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return true, nil
}

func (s *Store) addColumnIfNotExists(table, column, ddl string) error {
	exists, err := s.columnExists(table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddl))
	if err != nil {
		return fmt.Errorf("add column %s to %s: %w", column, table, err)
	}
	s.log.Info("added column", slog.String("table", table), slog.String("column", column))
	return nil
}
