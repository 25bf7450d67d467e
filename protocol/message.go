package protocol

import (
	"encoding/json"
	"fmt"
)

// Message é uma requisição do cliente já decodificada. Cada cabeçalho tem
// exatamente um tipo concreto.
type Message interface {
	Header() Header
	payload() any
}

// Register cria uma conta e autentica a conexão
type Register struct {
	AuthPayload
}

// Login autentica a conexão com uma conta existente
type Login struct {
	AuthPayload
}

// Logout desassocia a conta da conexão
type Logout struct{}

// Bye encerra a conexão
type Bye struct{}

// InboxRequest pede a lista de emails da caixa
type InboxRequest struct{}

// InboxChoice pede o email na posição Choice (a partir de 1)
type InboxChoice struct {
	Choice int
}

// SendEmail entrega um email
type SendEmail struct {
	EmailContentPayload
}

// StatsRequest pede as estatísticas da caixa
type StatsRequest struct{}

func (Register) Header() Header     { return HeaderAuthRegister }
func (Login) Header() Header        { return HeaderAuthLogin }
func (Logout) Header() Header       { return HeaderAuthLogout }
func (Bye) Header() Header          { return HeaderBye }
func (InboxRequest) Header() Header { return HeaderInboxReadingRequest }
func (InboxChoice) Header() Header  { return HeaderInboxReadingChoice }
func (SendEmail) Header() Header    { return HeaderEmailSending }
func (StatsRequest) Header() Header { return HeaderStatsRequest }

func (m Register) payload() any    { return m.AuthPayload }
func (m Login) payload() any       { return m.AuthPayload }
func (Logout) payload() any        { return nil }
func (Bye) payload() any           { return nil }
func (InboxRequest) payload() any  { return nil }
func (m InboxChoice) payload() any { return EmailChoicePayload{Choice: m.Choice} }
func (m SendEmail) payload() any   { return m.EmailContentPayload }
func (StatsRequest) payload() any  { return nil }

// Decode converte um envelope de requisição na mensagem tipada correspondente
func Decode(env Envelope) (Message, error) {
	switch env.Header {
	case HeaderAuthRegister:
		var m Register
		if err := env.DecodePayload(&m.AuthPayload); err != nil {
			return nil, err
		}
		return m, nil
	case HeaderAuthLogin:
		var m Login
		if err := env.DecodePayload(&m.AuthPayload); err != nil {
			return nil, err
		}
		return m, nil
	case HeaderAuthLogout:
		return Logout{}, nil
	case HeaderBye:
		return Bye{}, nil
	case HeaderInboxReadingRequest:
		return InboxRequest{}, nil
	case HeaderInboxReadingChoice:
		var p EmailChoicePayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}
		return InboxChoice{Choice: p.Choice}, nil
	case HeaderEmailSending:
		var m SendEmail
		if err := env.DecodePayload(&m.EmailContentPayload); err != nil {
			return nil, err
		}
		return m, nil
	case HeaderStatsRequest:
		return StatsRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHeader, env.Header)
	}
}

// Encode converte uma mensagem tipada no envelope enviado pela conexão
func Encode(m Message) (Envelope, error) {
	env := Envelope{Header: m.Header()}
	p := m.payload()
	if p == nil {
		return env, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("falha ao codificar %s: %w", m.Header(), err)
	}
	env.Payload = raw
	return env, nil
}
