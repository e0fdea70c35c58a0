// Package pg opens the shared Postgres connection pool every persistence
// package in convhub (routing, linkregistry, eventmutex, dealsync,
// transcription) is handed; it does not run schema migrations. One pool, opened
// with the pgx stdlib driver, handed to each per-feature store
// constructor as a plain *sql.DB.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open returns a connection pool against dsn using the pgx stdlib driver.
func Open(dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
