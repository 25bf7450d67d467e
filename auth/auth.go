// Package auth implementa o registro e a autenticação de contas e a associação
// das contas às conexões.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/sha3"

	"github.com/carloslauriano/glomail/session"
	"github.com/carloslauriano/glomail/storage"
)

// MinPasswordLength é o tamanho mínimo de uma senha
const MinPasswordLength = 10

var (
	// ErrInvalidUsername é retornado quando o nome contém caracteres não permitidos
	ErrInvalidUsername = errors.New("o nome de usuário só pode conter letras, dígitos, '_', '.' e '-'")
	// ErrUsernameTaken é retornado quando o nome já está em uso ou é reservado
	ErrUsernameTaken = errors.New("o nome de usuário já está em uso")
	// ErrWeakPassword é retornado quando a senha não cumpre a política
	ErrWeakPassword = errors.New("a senha é fraca demais")
	// ErrUserNotFound é retornado quando a conta não existe
	ErrUserNotFound = errors.New("o usuário não existe")
	// ErrIncorrectPassword é retornado quando a senha não confere
	ErrIncorrectPassword = errors.New("senha incorreta")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Service registra e autentica contas, mantendo o registro de sessões.
// Como o registro, deve ser usado apenas pela goroutine de despacho.
type Service struct {
	store    storage.Storage
	sessions *session.Registry
	lostKey  string
	logger   *slog.Logger
}

// NewService cria o serviço de autenticação. lostName é o nome reservado do
// depósito de correio perdido, que nunca pode ser uma conta.
func NewService(store storage.Storage, sessions *session.Registry, lostName string, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		lostKey:  storage.NormalizeUsername(lostName),
		logger:   logger,
	}
}

// HashPassword calcula o digest SHA3-512 da senha
func HashPassword(password string) []byte {
	sum := sha3.Sum512([]byte(password))
	return sum[:]
}

// Register valida os dados, cria a conta e associa a conexão a ela. Todas as
// regras são verificadas e as violações retornadas juntas; em caso de falha
// nada é alterado.
func (s *Service) Register(conn session.ConnID, username, password string) error {
	var errs []error
	if !usernamePattern.MatchString(username) {
		errs = append(errs, ErrInvalidUsername)
	}
	taken, err := s.taken(username)
	if err != nil {
		return err
	}
	if taken {
		errs = append(errs, ErrUsernameTaken)
	}
	if err := CheckPassword(password); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	err = s.store.CreateAccount(&storage.Account{
		Username:     username,
		PasswordHash: HashPassword(password),
	})
	switch {
	case errors.Is(err, storage.ErrAccountExists):
		return ErrUsernameTaken
	case errors.Is(err, storage.ErrInvalidName):
		return ErrInvalidUsername
	case err != nil:
		return fmt.Errorf("falha ao criar conta %s: %w", username, err)
	}

	s.sessions.Bind(conn, username)
	s.logger.Info("conta criada", "conn", conn, "user", username)
	return nil
}

// Login verifica as credenciais e associa a conexão à conta
func (s *Service) Login(conn session.ConnID, username, password string) error {
	account, err := s.Verify(username, password)
	if err != nil {
		return err
	}
	s.sessions.Bind(conn, account.Username)
	s.logger.Info("usuário autenticado", "conn", conn, "user", account.Username)
	return nil
}

// Logout desassocia a conexão; conexões não autenticadas são ignoradas
func (s *Service) Logout(conn session.ConnID) {
	if username, ok := s.sessions.Lookup(conn); ok {
		s.logger.Info("usuário desconectado", "conn", conn, "user", username)
	}
	s.sessions.Unbind(conn)
}

// Verify confere as credenciais sem tocar no registro de sessões. A
// comparação do digest é feita em tempo constante.
func (s *Service) Verify(username, password string) (*storage.Account, error) {
	if storage.NormalizeUsername(username) == s.lostKey {
		return nil, ErrUserNotFound
	}
	account, err := s.store.GetAccount(username)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, fmt.Errorf("falha ao obter conta %s: %w", username, err)
	}

	if subtle.ConstantTimeCompare(HashPassword(password), account.PasswordHash) != 1 {
		return nil, ErrIncorrectPassword
	}
	return account, nil
}

// CheckPassword aplica a política de senhas: ao menos MinPasswordLength
// caracteres, com um dígito, uma minúscula e uma maiúscula
func CheckPassword(password string) error {
	var missing []string
	if len([]rune(password)) < MinPasswordLength {
		missing = append(missing, fmt.Sprintf("ao menos %d caracteres", MinPasswordLength))
	}
	if !strings.ContainsFunc(password, unicode.IsDigit) {
		missing = append(missing, "um dígito")
	}
	if !strings.ContainsFunc(password, unicode.IsLower) {
		missing = append(missing, "uma letra minúscula")
	}
	if !strings.ContainsFunc(password, unicode.IsUpper) {
		missing = append(missing, "uma letra maiúscula")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: exige %s", ErrWeakPassword, strings.Join(missing, ", "))
	}
	return nil
}

func (s *Service) taken(username string) (bool, error) {
	if storage.NormalizeUsername(username) == s.lostKey {
		return true, nil
	}
	_, err := s.store.GetAccount(username)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrAccountNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("falha ao verificar conta %s: %w", username, err)
	}
}
