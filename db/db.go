// Package db wires a *sql.DB into a borp.DbMap, the Go successor to
// the gorp mapping boulder's sa/database.go historically used.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/letsencrypt/borp"
)

// dialectMap mirrors sa/database.go's driver-to-dialect table.
var dialectMap = map[string]borp.Dialect{
	"mysql": borp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8"},
}

// Handle is a thin wrapper around *borp.DbMap exposing the
// transactional helpers the ca and sa packages build on.
type Handle struct {
	*borp.DbMap
}

// NewHandle opens driver/dsn, pings it, and returns a Handle with the
// dialect set, mirroring sa/database.go's NewDbMap; tables are
// registered by the packages that own them (ca.NewLedger, sa.New).
func NewHandle(driver, dsn string) (*Handle, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("pinging db: %w", err)
	}
	dialect, ok := dialectMap[driver]
	if !ok {
		return nil, fmt.Errorf("unrecognized database driver %q", driver)
	}
	dbMap := &borp.DbMap{Db: conn, Dialect: dialect}
	h := &Handle{DbMap: dbMap}
	return h, nil
}

// WithTransaction runs fn inside a borp transaction, committing on a
// nil return and rolling back otherwise. This is the single place the
// ca and sa packages reach for atomic multi-table writes, matching
// the teacher's tx.Begin()/tx.Commit()/tx.Rollback() issuance pattern.
func (h *Handle) WithTransaction(fn func(tx *borp.Transaction) error) error {
	tx, err := h.BeginTx(context.Background())
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
