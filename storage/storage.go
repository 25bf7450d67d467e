package storage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/carloslauriano/glomail/config"
)

// ErrAccountNotFound é retornado quando uma conta não é encontrada
var ErrAccountNotFound = errors.New("conta não encontrada")

// ErrAccountExists é retornado ao criar uma conta cujo nome já está em uso
var ErrAccountExists = errors.New("conta já existe")

// ErrInvalidName é retornado quando um nome não pode ser usado como chave de armazenamento
var ErrInvalidName = errors.New("nome inválido para armazenamento")

// ErrInvalidEmailID é retornado quando o id de um email não é um hash válido
var ErrInvalidEmailID = errors.New("id de email inválido")

// Storage é a interface para operações de armazenamento. Nomes de usuário são
// comparados sem distinção de caixa; a caixa original é preservada.
type Storage interface {
	// Métodos de inicialização
	Open() error
	Close() error

	// Métodos de conta
	CreateAccount(account *Account) error
	GetAccount(username string) (*Account, error)

	// Métodos de caixa de correio
	ListEmails(username string) ([]*Email, error)
	WriteEmail(username string, email *Email) error
	MailboxStats(username string) (Stats, error)

	// Métodos do depósito de correio perdido
	WriteLostEmail(email *Email) error
	ListLostEmails() ([]*Email, error)
}

// NewStorage cria uma nova instância de armazenamento com base na configuração
func NewStorage(cfg *config.StorageConfig, logger *slog.Logger) (Storage, error) {
	switch cfg.Type {
	case "", "filesystem":
		return NewFilesystemStorage(cfg.DataDir, cfg.LostDir, logger), nil
	case "sqlite":
		return NewSQLiteStorage(cfg, logger)
	case "postgres":
		return NewPostgresStorage(cfg, logger)
	case "bolt":
		return NewBoltStorage(cfg.Path, logger), nil
	default:
		return nil, fmt.Errorf("tipo de armazenamento não suportado: %s", cfg.Type)
	}
}
