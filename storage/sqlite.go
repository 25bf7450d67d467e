package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/carloslauriano/glomail/config"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS accounts (
		username_key TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		password_hash BLOB NOT NULL,
		created DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS emails (
		owner_key TEXT NOT NULL,
		id TEXT NOT NULL,
		document BLOB NOT NULL,
		size INTEGER NOT NULL,
		created DATETIME NOT NULL,
		PRIMARY KEY (owner_key, id)
	);
	`

// SQLiteStorage implementa a interface Storage para SQLite
type SQLiteStorage struct {
	sqlStorage
}

// NewSQLiteStorage cria uma nova instância de armazenamento SQLite
func NewSQLiteStorage(cfg *config.StorageConfig, logger *slog.Logger) (Storage, error) {
	// Garantir que o diretório existe
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("falha ao criar diretório para SQLite: %w", err)
	}

	return &SQLiteStorage{sqlStorage{
		driver: "sqlite3",
		dsn:    cfg.Path + "?_busy_timeout=5000",
		schema: sqliteSchema,
		rebind: rebindNone,
		logger: logger,
	}}, nil
}
