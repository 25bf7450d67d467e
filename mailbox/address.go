package mailbox

import (
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"

	"github.com/carloslauriano/glomail/storage"
)

// canonicalDomain converte o domínio para a forma ASCII em minúsculas
func canonicalDomain(domain string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if err != nil {
		return "", err
	}
	if ascii == "" {
		return "", fmt.Errorf("domínio vazio")
	}
	return ascii, nil
}

// splitAddress separa a parte local do domínio de um endereço RFC 5322
func splitAddress(address string) (local, domain string, err error) {
	addr, err := mail.ParseAddress(address)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	i := strings.LastIndex(addr.Address, "@")
	if i <= 0 || i == len(addr.Address)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return addr.Address[:i], addr.Address[i+1:], nil
}

// LocalPart valida o endereço e retorna sua parte local. Só endereços no
// domínio exato do serviço são aceitos.
func (s *Service) LocalPart(address string) (string, error) {
	local, domain, err := splitAddress(address)
	if err != nil {
		return "", err
	}
	canonical, err := canonicalDomain(domain)
	if err != nil || canonical != s.domain {
		return "", fmt.Errorf("%w: %s", ErrExternalDelivery, domain)
	}
	return local, nil
}

// OwnsAddress informa se o endereço pertence ao usuário, sem distinção de caixa
func (s *Service) OwnsAddress(username, address string) bool {
	local, err := s.LocalPart(address)
	if err != nil {
		return false
	}
	return storage.NormalizeUsername(local) == storage.NormalizeUsername(username)
}
