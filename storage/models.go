package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"lukechampine.com/blake3"
)

// Account representa uma conta do serviço
type Account struct {
	Username     string // Caixa original preservada
	PasswordHash []byte // SHA3-512 da senha
	Created      time.Time
}

// Email representa uma mensagem armazenada
type Email struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Destination string `json:"destination"`
	Subject     string `json:"subject"`
	Date        string `json:"date"`
	Content     string `json:"content"`

	// Size é o tamanho em bytes do documento persistido; preenchido na leitura
	Size int64 `json:"-"`
}

// Stats representa as estatísticas de uma caixa de correio
type Stats struct {
	Count int
	Size  int64
}

// NormalizeUsername retorna a chave de comparação de um nome de usuário,
// insensível à caixa
func NormalizeUsername(username string) string {
	return cases.Fold().String(username)
}

// EmailID calcula o identificador determinístico de um email a partir da
// parte local do remetente e da data. O mesmo par sempre gera o mesmo id.
func EmailID(sender, date string) string {
	local := sender
	if i := strings.LastIndex(sender, "@"); i >= 0 {
		local = sender[:i]
	}

	h := blake3.New(32, nil)
	h.Write([]byte(NormalizeUsername(local)))
	h.Write([]byte{0})
	h.Write([]byte(date))
	return hex.EncodeToString(h.Sum(nil))
}

// encodeEmail serializa o documento armazenado por todos os backends
func encodeEmail(email *Email) ([]byte, error) {
	if email.ID == "" {
		email.ID = EmailID(email.Sender, email.Date)
	}
	data, err := json.MarshalIndent(email, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("falha ao codificar email: %w", err)
	}
	return data, nil
}

func decodeEmail(data []byte) (*Email, error) {
	email := &Email{}
	if err := json.Unmarshal(data, email); err != nil {
		return nil, fmt.Errorf("falha ao decodificar email: %w", err)
	}
	email.Size = int64(len(data))
	return email, nil
}

// validID impede que o id de um email escape do diretório da caixa
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'f' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
