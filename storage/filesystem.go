package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	passwordFilename = "password.json"
	emailsDirname    = "emails"
	emailExt         = ".json"
	tempPrefix       = ".tmp-"
)

// FilesystemStorage implementa a interface Storage sobre um diretório raiz:
//
//	<root>/<usuario>/password.json
//	<root>/<usuario>/emails/<id>.json
//	<root>/<perdidos>/<id>.json
type FilesystemStorage struct {
	root    string
	lostDir string
	logger  *slog.Logger
}

type passwordDocument struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Created      time.Time `json:"created"`
}

// NewFilesystemStorage cria uma nova instância de armazenamento em disco
func NewFilesystemStorage(root, lostDir string, logger *slog.Logger) *FilesystemStorage {
	return &FilesystemStorage{
		root:    filepath.Clean(root),
		lostDir: lostDir,
		logger:  logger,
	}
}

// Open garante que o diretório raiz e o de correio perdido existem
func (s *FilesystemStorage) Open() error {
	if err := os.MkdirAll(filepath.Join(s.root, s.lostDir), 0700); err != nil {
		return fmt.Errorf("falha ao criar diretório de dados: %w", err)
	}
	return nil
}

// Close não tem recursos a liberar
func (s *FilesystemStorage) Close() error {
	return nil
}

// CreateAccount cria o diretório do usuário e grava o hash da senha
func (s *FilesystemStorage) CreateAccount(account *Account) error {
	dir, err := s.childPath(account.Username)
	if err != nil {
		return err
	}
	if NormalizeUsername(account.Username) == NormalizeUsername(s.lostDir) {
		return ErrInvalidName
	}

	if _, err := s.findAccount(account.Username); err == nil {
		return ErrAccountExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}

	if account.Created.IsZero() {
		account.Created = time.Now().UTC()
	}
	data, err := json.MarshalIndent(passwordDocument{
		Username:     account.Username,
		PasswordHash: hex.EncodeToString(account.PasswordHash),
		Created:      account.Created,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("falha ao codificar senha: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(dir, emailsDirname), 0700); err != nil {
		return fmt.Errorf("falha ao criar caixa de correio: %w", err)
	}
	if err := writeFileAtomic(dir, passwordFilename, data); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("falha ao gravar senha: %w", err)
	}
	return nil
}

// GetAccount obtém uma conta pelo nome de usuário, sem distinção de caixa
func (s *FilesystemStorage) GetAccount(username string) (*Account, error) {
	name, err := s.findAccount(username)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.root, name, passwordFilename))
	if err != nil {
		return nil, fmt.Errorf("falha ao ler senha de %s: %w", name, err)
	}
	var doc passwordDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("falha ao decodificar senha de %s: %w", name, err)
	}
	hash, err := hex.DecodeString(doc.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("hash de senha corrompido para %s: %w", name, err)
	}

	return &Account{Username: name, PasswordHash: hash, Created: doc.Created}, nil
}

// ListEmails lista os emails da caixa do usuário, sem ordem definida
func (s *FilesystemStorage) ListEmails(username string) ([]*Email, error) {
	name, err := s.findAccount(username)
	if err != nil {
		return nil, err
	}
	return s.readEmailDir(filepath.Join(s.root, name, emailsDirname))
}

// WriteEmail grava o email na caixa do usuário de forma atômica
func (s *FilesystemStorage) WriteEmail(username string, email *Email) error {
	name, err := s.findAccount(username)
	if err != nil {
		return err
	}
	return s.writeEmail(filepath.Join(s.root, name, emailsDirname), email)
}

// MailboxStats conta os arquivos de email e soma seus tamanhos; o arquivo de
// senha não entra na conta
func (s *FilesystemStorage) MailboxStats(username string) (Stats, error) {
	name, err := s.findAccount(username)
	if err != nil {
		return Stats{}, err
	}

	dir := filepath.Join(s.root, name, emailsDirname)
	entries, err := s.emailEntries(dir)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("arquivo de email ignorado", "path", filepath.Join(dir, entry.Name()), "error", err)
			continue
		}
		stats.Count++
		stats.Size += info.Size()
	}
	return stats, nil
}

// WriteLostEmail grava o email no depósito de correio perdido
func (s *FilesystemStorage) WriteLostEmail(email *Email) error {
	return s.writeEmail(filepath.Join(s.root, s.lostDir), email)
}

// ListLostEmails lista o depósito de correio perdido
func (s *FilesystemStorage) ListLostEmails() ([]*Email, error) {
	return s.readEmailDir(filepath.Join(s.root, s.lostDir))
}

// childPath retorna o caminho de um filho direto da raiz, recusando nomes
// que escapariam dela
func (s *FilesystemStorage) childPath(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return "", ErrInvalidName
	}
	candidate := filepath.Clean(filepath.Join(s.root, name))
	if filepath.Dir(candidate) != s.root {
		return "", ErrInvalidName
	}
	return candidate, nil
}

// findAccount resolve o nome do diretório da conta sem distinção de caixa
func (s *FilesystemStorage) findAccount(username string) (string, error) {
	if _, err := s.childPath(username); err != nil {
		return "", ErrAccountNotFound
	}
	key := NormalizeUsername(username)
	if key == NormalizeUsername(s.lostDir) {
		return "", ErrAccountNotFound
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("falha ao listar contas: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || NormalizeUsername(entry.Name()) != key {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), passwordFilename)); err == nil {
			return entry.Name(), nil
		}
	}
	return "", ErrAccountNotFound
}

func (s *FilesystemStorage) emailEntries(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("diretório de emails ausente", "path", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("falha ao listar %s: %w", dir, err)
	}

	emails := entries[:0]
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, emailExt) {
			continue
		}
		emails = append(emails, entry)
	}
	return emails, nil
}

func (s *FilesystemStorage) readEmailDir(dir string) ([]*Email, error) {
	entries, err := s.emailEntries(dir)
	if err != nil {
		return nil, err
	}

	emails := make([]*Email, 0, len(entries))
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("arquivo de email ilegível ignorado", "path", path, "error", err)
			continue
		}
		email, err := decodeEmail(data)
		if err != nil {
			s.logger.Warn("arquivo de email corrompido ignorado", "path", path, "error", err)
			continue
		}
		emails = append(emails, email)
	}
	return emails, nil
}

func (s *FilesystemStorage) writeEmail(dir string, email *Email) error {
	data, err := encodeEmail(email)
	if err != nil {
		return err
	}
	if !validID(email.ID) {
		return ErrInvalidEmailID
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("falha ao criar %s: %w", dir, err)
	}
	if err := writeFileAtomic(dir, email.ID+emailExt, data); err != nil {
		return fmt.Errorf("falha ao gravar email %s: %w", email.ID, err)
	}
	email.Size = int64(len(data))
	return nil
}

// writeFileAtomic grava em um arquivo temporário no mesmo diretório e o
// renomeia, então um leitor nunca vê um arquivo pela metade
func writeFileAtomic(dir, name string, data []byte) error {
	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := f.Name()

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
