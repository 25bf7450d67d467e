// Package mailbox implementa as operações sobre as caixas de correio: listar,
// ler, entregar e calcular estatísticas.
package mailbox

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/carloslauriano/glomail/storage"
)

var (
	// ErrInvalidChoice é retornado quando o número pedido não existe na caixa
	ErrInvalidChoice = errors.New("escolha de email inválida")
	// ErrInvalidAddress é retornado quando o destinatário não é um endereço válido
	ErrInvalidAddress = errors.New("endereço de destino inválido")
	// ErrExternalDelivery é retornado para destinatários fora do domínio do serviço
	ErrExternalDelivery = errors.New("entrega externa não suportada")
	// ErrRecipientNotFound é retornado quando o destinatário local não existe;
	// o email fica no depósito de correio perdido
	ErrRecipientNotFound = errors.New("destinatário não encontrado")
)

// Service executa as operações de caixa de correio sobre um Storage
type Service struct {
	store   storage.Storage
	domain  string
	lostKey string
	logger  *slog.Logger
}

// NewService cria o serviço para o domínio informado. lostName é o nome
// reservado do depósito de correio perdido.
func NewService(store storage.Storage, domain, lostName string, logger *slog.Logger) (*Service, error) {
	canonical, err := canonicalDomain(domain)
	if err != nil {
		return nil, fmt.Errorf("domínio inválido %q: %w", domain, err)
	}
	return &Service{
		store:   store,
		domain:  canonical,
		lostKey: storage.NormalizeUsername(lostName),
		logger:  logger,
	}, nil
}

// Domain retorna o domínio canônico do serviço
func (s *Service) Domain() string {
	return s.domain
}

// Address retorna o endereço de email de um usuário
func (s *Service) Address(username string) string {
	return username + "@" + s.domain
}

// Emails retorna os emails do usuário do mais recente para o mais antigo. A
// ordem é recalculada a cada chamada.
func (s *Service) Emails(username string) ([]*storage.Email, error) {
	emails, err := s.store.ListEmails(username)
	if err != nil {
		return nil, fmt.Errorf("falha ao listar emails de %s: %w", username, err)
	}
	sortEmails(emails)
	return emails, nil
}

// List retorna o resumo de cada email, numerado a partir de 1 com o mais recente
func (s *Service) List(username string) ([]string, error) {
	emails, err := s.Emails(username)
	if err != nil {
		return nil, err
	}
	list := make([]string, len(emails))
	for i, e := range emails {
		list[i] = Summary(i+1, e)
	}
	return list, nil
}

// Fetch retorna o email na posição choice da ordem de List
func (s *Service) Fetch(username string, choice int) (*storage.Email, error) {
	emails, err := s.Emails(username)
	if err != nil {
		return nil, err
	}
	if choice < 1 || choice > len(emails) {
		return nil, fmt.Errorf("%w: %d (a caixa tem %d emails)", ErrInvalidChoice, choice, len(emails))
	}
	return emails[choice-1], nil
}

// Stats retorna o número de emails e o tamanho total da caixa
func (s *Service) Stats(username string) (storage.Stats, error) {
	stats, err := s.store.MailboxStats(username)
	if err != nil {
		return storage.Stats{}, fmt.Errorf("falha ao calcular estatísticas de %s: %w", username, err)
	}
	return stats, nil
}

// Deliver entrega o email ao destinatário local. Destinatários fora do
// domínio são recusados sem gravar nada; destinatários locais inexistentes
// recebem ErrRecipientNotFound e o email vai para o depósito de correio perdido.
func (s *Service) Deliver(email *storage.Email) error {
	local, err := s.LocalPart(email.Destination)
	if err != nil {
		return err
	}
	if email.ID == "" {
		email.ID = storage.EmailID(email.Sender, email.Date)
	}

	if storage.NormalizeUsername(local) != s.lostKey {
		err = s.store.WriteEmail(local, email)
		if err == nil {
			s.logger.Info("email entregue", "user", local, "id", email.ID, "sender", email.Sender)
			return nil
		}
		if !errors.Is(err, storage.ErrAccountNotFound) {
			return fmt.Errorf("falha ao entregar email para %s: %w", local, err)
		}
	}

	if err := s.store.WriteLostEmail(email); err != nil {
		return fmt.Errorf("falha ao gravar email perdido: %w", err)
	}
	s.logger.Warn("destinatário inexistente, email guardado como perdido",
		"destination", email.Destination, "id", email.ID, "sender", email.Sender)
	return fmt.Errorf("%w: %s", ErrRecipientNotFound, email.Destination)
}

// Summary formata a linha de um email na listagem da caixa
func Summary(n int, e *storage.Email) string {
	return fmt.Sprintf("#%d %s - %s - %s", n, e.Sender, e.Subject, e.Date)
}
