package storage

import (
	"fmt"
	"log/slog"

	"github.com/carloslauriano/glomail/config"
	_ "github.com/lib/pq"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS accounts (
		username_key VARCHAR(255) PRIMARY KEY,
		username VARCHAR(255) NOT NULL,
		password_hash BYTEA NOT NULL,
		created TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS emails (
		owner_key VARCHAR(255) NOT NULL,
		id VARCHAR(128) NOT NULL,
		document BYTEA NOT NULL,
		size BIGINT NOT NULL,
		created TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (owner_key, id)
	);
	`

// PostgresStorage implementa a interface Storage para PostgreSQL
type PostgresStorage struct {
	sqlStorage
}

// NewPostgresStorage cria uma nova instância de armazenamento PostgreSQL
func NewPostgresStorage(cfg *config.StorageConfig, logger *slog.Logger) (Storage, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName,
	)
	return newPostgresStorage(connStr, logger), nil
}

func newPostgresStorage(dsn string, logger *slog.Logger) *PostgresStorage {
	return &PostgresStorage{sqlStorage{
		driver: "postgres",
		dsn:    dsn,
		schema: postgresSchema,
		rebind: rebindDollar,
		logger: logger,
	}}
}
