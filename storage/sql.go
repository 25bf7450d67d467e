package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// lostOwner é a chave de dono usada para o correio perdido nas tabelas
const lostOwner = ""

// sqlStorage contém a implementação comum aos backends SQL. Os dialetos
// diferem apenas no esquema e no formato dos parâmetros.
type sqlStorage struct {
	db     *sql.DB
	driver string
	dsn    string
	schema string
	rebind func(string) string
	logger *slog.Logger
}

// Open abre a conexão com o banco de dados
func (s *sqlStorage) Open() error {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("falha ao abrir banco de dados %s: %w", s.driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("falha ao conectar ao banco de dados %s: %w", s.driver, err)
	}
	s.db = db

	if _, err := s.db.Exec(s.schema); err != nil {
		s.db.Close()
		return fmt.Errorf("falha ao criar esquema %s: %w", s.driver, err)
	}
	return nil
}

// Close fecha a conexão com o banco de dados
func (s *sqlStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateAccount cria uma nova conta
func (s *sqlStorage) CreateAccount(account *Account) error {
	if account.Username == "" {
		return ErrInvalidName
	}
	if account.Created.IsZero() {
		account.Created = time.Now().UTC()
	}

	result, err := s.db.Exec(
		s.rebind("INSERT INTO accounts (username_key, username, password_hash, created) VALUES (?, ?, ?, ?) ON CONFLICT (username_key) DO NOTHING"),
		NormalizeUsername(account.Username), account.Username, account.PasswordHash, account.Created,
	)
	if err != nil {
		return fmt.Errorf("falha ao criar conta: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("falha ao verificar criação da conta: %w", err)
	}
	if n == 0 {
		return ErrAccountExists
	}
	return nil
}

// GetAccount obtém uma conta pelo nome de usuário
func (s *sqlStorage) GetAccount(username string) (*Account, error) {
	account := &Account{}
	err := s.db.QueryRow(
		s.rebind("SELECT username, password_hash, created FROM accounts WHERE username_key = ?"),
		NormalizeUsername(username),
	).Scan(&account.Username, &account.PasswordHash, &account.Created)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	} else if err != nil {
		return nil, fmt.Errorf("falha ao obter conta: %w", err)
	}
	return account, nil
}

// ListEmails lista os emails da caixa do usuário
func (s *sqlStorage) ListEmails(username string) ([]*Email, error) {
	key, err := s.ownerKey(username)
	if err != nil {
		return nil, err
	}
	return s.listEmails(key)
}

// WriteEmail grava o email na caixa do usuário; regravar o mesmo id substitui o documento
func (s *sqlStorage) WriteEmail(username string, email *Email) error {
	key, err := s.ownerKey(username)
	if err != nil {
		return err
	}
	return s.writeEmail(key, email)
}

// MailboxStats conta os emails do usuário e soma o tamanho dos documentos
func (s *sqlStorage) MailboxStats(username string) (Stats, error) {
	key, err := s.ownerKey(username)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	err = s.db.QueryRow(
		s.rebind("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM emails WHERE owner_key = ?"),
		key,
	).Scan(&stats.Count, &stats.Size)
	if err != nil {
		return Stats{}, fmt.Errorf("falha ao calcular estatísticas: %w", err)
	}
	return stats, nil
}

// WriteLostEmail grava o email no depósito de correio perdido
func (s *sqlStorage) WriteLostEmail(email *Email) error {
	return s.writeEmail(lostOwner, email)
}

// ListLostEmails lista o depósito de correio perdido
func (s *sqlStorage) ListLostEmails() ([]*Email, error) {
	return s.listEmails(lostOwner)
}

func (s *sqlStorage) ownerKey(username string) (string, error) {
	key := NormalizeUsername(username)
	var one int
	err := s.db.QueryRow(s.rebind("SELECT 1 FROM accounts WHERE username_key = ?"), key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) || key == lostOwner {
		return "", ErrAccountNotFound
	} else if err != nil {
		return "", fmt.Errorf("falha ao obter conta: %w", err)
	}
	return key, nil
}

func (s *sqlStorage) listEmails(owner string) ([]*Email, error) {
	rows, err := s.db.Query(s.rebind("SELECT id, document FROM emails WHERE owner_key = ?"), owner)
	if err != nil {
		return nil, fmt.Errorf("falha ao listar emails: %w", err)
	}
	defer rows.Close()

	var emails []*Email
	for rows.Next() {
		var id string
		var document []byte
		if err := rows.Scan(&id, &document); err != nil {
			return nil, fmt.Errorf("falha ao ler dados do email: %w", err)
		}
		email, err := decodeEmail(document)
		if err != nil {
			s.logger.Warn("documento de email corrompido ignorado", "id", id, "error", err)
			continue
		}
		emails = append(emails, email)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("erro ao iterar sobre emails: %w", err)
	}
	return emails, nil
}

func (s *sqlStorage) writeEmail(owner string, email *Email) error {
	data, err := encodeEmail(email)
	if err != nil {
		return err
	}
	if !validID(email.ID) {
		return ErrInvalidEmailID
	}

	_, err = s.db.Exec(
		s.rebind(`INSERT INTO emails (owner_key, id, document, size, created) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_key, id) DO UPDATE SET document = excluded.document, size = excluded.size`),
		owner, email.ID, data, len(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("falha ao gravar email: %w", err)
	}
	email.Size = int64(len(data))
	return nil
}

// rebindDollar converte parâmetros '?' no formato $1, $2... do PostgreSQL
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func rebindNone(query string) string {
	return query
}
