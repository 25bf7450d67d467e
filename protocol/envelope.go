// Package protocol implementa o envelope JSON trocado entre o cliente e o
// servidor glomail e a representação tipada de cada mensagem.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Header identifica o propósito de um envelope
type Header string

// Cabeçalhos reconhecidos pelo protocolo
const (
	HeaderOK    Header = "OK"
	HeaderError Header = "ERROR"

	HeaderAuthRegister Header = "AUTH_REGISTER"
	HeaderAuthLogin    Header = "AUTH_LOGIN"
	HeaderAuthLogout   Header = "AUTH_LOGOUT"
	HeaderBye          Header = "BYE"

	HeaderInboxReadingRequest Header = "INBOX_READING_REQUEST"
	HeaderInboxReadingChoice  Header = "INBOX_READING_CHOICE"
	HeaderEmailSending        Header = "EMAIL_SENDING"
	HeaderStatsRequest        Header = "STATS_REQUEST"
)

// ErrUnknownHeader é retornado quando o cabeçalho não é reconhecido
var ErrUnknownHeader = errors.New("cabeçalho desconhecido")

// ErrMissingPayload é retornado quando um cabeçalho exige um payload ausente
var ErrMissingPayload = errors.New("payload ausente")

// ErrInvalidPayload é retornado quando o payload não corresponde ao cabeçalho
var ErrInvalidPayload = errors.New("payload inválido")

// Envelope é a unidade {header, payload} trocada na conexão
type Envelope struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload acompanha AUTH_REGISTER e AUTH_LOGIN
type AuthPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// EmailChoicePayload acompanha INBOX_READING_CHOICE
type EmailChoicePayload struct {
	Choice int `json:"choice"`
}

// EmailContentPayload acompanha EMAIL_SENDING e a resposta a INBOX_READING_CHOICE
type EmailContentPayload struct {
	Sender      string `json:"sender"`
	Destination string `json:"destination"`
	Subject     string `json:"subject"`
	Date        string `json:"date"`
	Content     string `json:"content"`
}

// EmailListPayload é a resposta a INBOX_READING_REQUEST
type EmailListPayload struct {
	EmailList []string `json:"email_list"`
}

// StatsPayload é a resposta a STATS_REQUEST
type StatsPayload struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
}

// ErrorPayload acompanha toda resposta ERROR
type ErrorPayload struct {
	ErrorMessage string `json:"error_message"`
}

// NewOK cria uma resposta OK, com payload opcional
func NewOK(payload any) (Envelope, error) {
	env := Envelope{Header: HeaderOK}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("falha ao codificar payload: %w", err)
	}
	env.Payload = raw
	return env, nil
}

// NewError cria uma resposta ERROR com a mensagem informada
func NewError(message string) Envelope {
	raw, _ := json.Marshal(ErrorPayload{ErrorMessage: message})
	return Envelope{Header: HeaderError, Payload: raw}
}

// DecodePayload decodifica o payload do envelope em v
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("%w para %s", ErrMissingPayload, e.Header)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w para %s: %v", ErrInvalidPayload, e.Header, err)
	}
	return nil
}

// ErrorMessage retorna a mensagem de um envelope ERROR
func (e Envelope) ErrorMessage() string {
	var p ErrorPayload
	if err := e.DecodePayload(&p); err != nil {
		return string(e.Header)
	}
	return p.ErrorMessage
}
