package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccounts  = []byte("accounts")
	bucketMailboxes = []byte("mailboxes")
	bucketLost      = []byte("lost")
)

// BoltStorage implementa a interface Storage sobre um arquivo BoltDB. Cada
// conta tem um bucket aninhado em "mailboxes", indexado pela chave normalizada.
type BoltStorage struct {
	db     *bolt.DB
	path   string
	logger *slog.Logger
}

type boltAccount struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"password_hash"`
	Created      time.Time `json:"created"`
}

// NewBoltStorage cria uma nova instância de armazenamento BoltDB
func NewBoltStorage(path string, logger *slog.Logger) *BoltStorage {
	return &BoltStorage{path: path, logger: logger}
}

// Open abre o arquivo e cria os buckets de topo
func (s *BoltStorage) Open() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("falha ao criar diretório para BoltDB: %w", err)
	}
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("falha ao abrir BoltDB: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketAccounts, bucketMailboxes, bucketLost} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("falha ao criar buckets: %w", err)
	}

	s.db = db
	return nil
}

// Close fecha o arquivo
func (s *BoltStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateAccount cria a conta e seu bucket de emails
func (s *BoltStorage) CreateAccount(account *Account) error {
	if account.Username == "" {
		return ErrInvalidName
	}
	if account.Created.IsZero() {
		account.Created = time.Now().UTC()
	}
	key := []byte(NormalizeUsername(account.Username))

	data, err := json.Marshal(boltAccount{
		Username:     account.Username,
		PasswordHash: account.PasswordHash,
		Created:      account.Created,
	})
	if err != nil {
		return fmt.Errorf("falha ao codificar conta: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		accounts := tx.Bucket(bucketAccounts)
		if accounts.Get(key) != nil {
			return ErrAccountExists
		}
		if err := accounts.Put(key, data); err != nil {
			return fmt.Errorf("falha ao criar conta: %w", err)
		}
		if _, err := tx.Bucket(bucketMailboxes).CreateBucketIfNotExists(key); err != nil {
			return fmt.Errorf("falha ao criar caixa de correio: %w", err)
		}
		return nil
	})
}

// GetAccount obtém uma conta pelo nome de usuário
func (s *BoltStorage) GetAccount(username string) (*Account, error) {
	var account *Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(NormalizeUsername(username)))
		if data == nil {
			return ErrAccountNotFound
		}
		var doc boltAccount
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("falha ao decodificar conta: %w", err)
		}
		account = &Account{Username: doc.Username, PasswordHash: doc.PasswordHash, Created: doc.Created}
		return nil
	})
	return account, err
}

// ListEmails lista os emails da caixa do usuário
func (s *BoltStorage) ListEmails(username string) ([]*Email, error) {
	var emails []*Email
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, username)
		if err != nil {
			return err
		}
		emails = s.collect(b)
		return nil
	})
	return emails, err
}

// WriteEmail grava o email na caixa do usuário
func (s *BoltStorage) WriteEmail(username string, email *Email) error {
	data, err := encodeEmail(email)
	if err != nil {
		return err
	}
	if !validID(email.ID) {
		return ErrInvalidEmailID
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, username)
		if err != nil {
			return err
		}
		return b.Put([]byte(email.ID), data)
	})
	if err != nil {
		return err
	}
	email.Size = int64(len(data))
	return nil
}

// MailboxStats conta os emails do usuário e soma o tamanho dos documentos
func (s *BoltStorage) MailboxStats(username string) (Stats, error) {
	var stats Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := mailboxBucket(tx, username)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			stats.Count++
			stats.Size += int64(len(v))
			return nil
		})
	})
	return stats, err
}

// WriteLostEmail grava o email no depósito de correio perdido
func (s *BoltStorage) WriteLostEmail(email *Email) error {
	data, err := encodeEmail(email)
	if err != nil {
		return err
	}
	if !validID(email.ID) {
		return ErrInvalidEmailID
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLost).Put([]byte(email.ID), data)
	})
	if err != nil {
		return fmt.Errorf("falha ao gravar email perdido: %w", err)
	}
	email.Size = int64(len(data))
	return nil
}

// ListLostEmails lista o depósito de correio perdido
func (s *BoltStorage) ListLostEmails() ([]*Email, error) {
	var emails []*Email
	err := s.db.View(func(tx *bolt.Tx) error {
		emails = s.collect(tx.Bucket(bucketLost))
		return nil
	})
	return emails, err
}

func mailboxBucket(tx *bolt.Tx, username string) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketMailboxes).Bucket([]byte(NormalizeUsername(username)))
	if b == nil {
		return nil, ErrAccountNotFound
	}
	return b, nil
}

// collect decodifica os documentos do bucket; os valores só são válidos
// durante a transação, decodeEmail os copia
func (s *BoltStorage) collect(b *bolt.Bucket) []*Email {
	var emails []*Email
	_ = b.ForEach(func(k, v []byte) error {
		email, err := decodeEmail(v)
		if err != nil {
			s.logger.Warn("documento de email corrompido ignorado", "id", string(k), "error", err)
			return nil
		}
		emails = append(emails, email)
		return nil
	})
	return emails
}
