package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/carloslauriano/glomail/auth"
	"github.com/carloslauriano/glomail/mailbox"
	"github.com/carloslauriano/glomail/protocol"
	"github.com/carloslauriano/glomail/session"
	"github.com/carloslauriano/glomail/storage"
)

var (
	// ErrUnauthenticated é retornado quando a requisição exige uma sessão autenticada
	ErrUnauthenticated = errors.New("não autenticado")
	// ErrSenderMismatch é retornado quando o remetente não é o usuário da sessão
	ErrSenderMismatch = errors.New("o remetente não corresponde ao usuário autenticado")

	errInternal = errors.New("erro interno do servidor")
)

// publicErrors são os erros cuja mensagem pode ser enviada ao cliente; todo
// o resto vira errInternal
var publicErrors = []error{
	auth.ErrInvalidUsername,
	auth.ErrUsernameTaken,
	auth.ErrWeakPassword,
	auth.ErrUserNotFound,
	auth.ErrIncorrectPassword,
	mailbox.ErrInvalidChoice,
	mailbox.ErrInvalidAddress,
	mailbox.ErrExternalDelivery,
	mailbox.ErrRecipientNotFound,
	ErrUnauthenticated,
	ErrSenderMismatch,
	protocol.ErrUnknownHeader,
	protocol.ErrMissingPayload,
	protocol.ErrInvalidPayload,
}

// Dispatcher encaminha cada requisição ao serviço correspondente e produz
// exatamente uma resposta. Não é seguro para uso concorrente.
type Dispatcher struct {
	sessions *session.Registry
	auth     *auth.Service
	mail     *mailbox.Service
	metrics  *Metrics
	logger   *slog.Logger
}

// NewDispatcher cria um Dispatcher
func NewDispatcher(sessions *session.Registry, authService *auth.Service, mail *mailbox.Service, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		auth:     authService,
		mail:     mail,
		metrics:  metrics,
		logger:   logger,
	}
}

// Dispatch trata o envelope recebido na conexão. hangup indica que a conexão
// deve ser fechada sem resposta (BYE).
func (d *Dispatcher) Dispatch(conn session.ConnID, env protocol.Envelope) (reply protocol.Envelope, hangup bool) {
	msg, err := protocol.Decode(env)
	if err != nil {
		d.metrics.observeRequest(string(env.Header), err)
		return d.reply(conn, env.Header, nil, err), false
	}
	if _, ok := msg.(protocol.Bye); ok {
		d.metrics.observeRequest(string(msg.Header()), nil)
		d.logger.Debug("cliente se despediu", "conn", conn)
		return protocol.Envelope{}, true
	}

	payload, err := d.handle(conn, msg)
	d.metrics.observeRequest(string(msg.Header()), err)
	d.metrics.SessionsCurrent.Set(float64(d.sessions.Len()))
	return d.reply(conn, msg.Header(), payload, err), false
}

// Disconnect descarta a sessão de uma conexão encerrada
func (d *Dispatcher) Disconnect(conn session.ConnID) {
	d.sessions.Unbind(conn)
	d.metrics.SessionsCurrent.Set(float64(d.sessions.Len()))
}

func (d *Dispatcher) handle(conn session.ConnID, msg protocol.Message) (any, error) {
	switch m := msg.(type) {
	case protocol.Register:
		return nil, d.auth.Register(conn, m.Username, m.Password)

	case protocol.Login:
		return nil, d.auth.Login(conn, m.Username, m.Password)

	case protocol.Logout:
		if _, err := d.user(conn); err != nil {
			return nil, err
		}
		d.auth.Logout(conn)
		return nil, nil

	case protocol.InboxRequest:
		username, err := d.user(conn)
		if err != nil {
			return nil, err
		}
		list, err := d.mail.List(username)
		if err != nil {
			return nil, err
		}
		return protocol.EmailListPayload{EmailList: list}, nil

	case protocol.InboxChoice:
		username, err := d.user(conn)
		if err != nil {
			return nil, err
		}
		email, err := d.mail.Fetch(username, m.Choice)
		if err != nil {
			return nil, err
		}
		return protocol.EmailContentPayload{
			Sender:      email.Sender,
			Destination: email.Destination,
			Subject:     email.Subject,
			Date:        email.Date,
			Content:     email.Content,
		}, nil

	case protocol.SendEmail:
		username, err := d.user(conn)
		if err != nil {
			return nil, err
		}
		if !d.mail.OwnsAddress(username, m.Sender) {
			return nil, fmt.Errorf("%w: %s", ErrSenderMismatch, m.Sender)
		}
		err = d.mail.Deliver(&storage.Email{
			Sender:      m.Sender,
			Destination: m.Destination,
			Subject:     m.Subject,
			Date:        m.Date,
			Content:     m.Content,
		})
		d.metrics.observeDelivery(err)
		return nil, err

	case protocol.StatsRequest:
		username, err := d.user(conn)
		if err != nil {
			return nil, err
		}
		stats, err := d.mail.Stats(username)
		if err != nil {
			return nil, err
		}
		return protocol.StatsPayload{Count: stats.Count, Size: stats.Size}, nil

	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownHeader, msg.Header())
	}
}

func (d *Dispatcher) user(conn session.ConnID) (string, error) {
	username, ok := d.sessions.Lookup(conn)
	if !ok {
		return "", ErrUnauthenticated
	}
	return username, nil
}

func (d *Dispatcher) reply(conn session.ConnID, header protocol.Header, payload any, err error) protocol.Envelope {
	if err == nil {
		env, err := protocol.NewOK(payload)
		if err == nil {
			return env
		}
		d.logger.Error("falha ao codificar resposta", "conn", conn, "header", header, "error", err)
		return protocol.NewError(errInternal.Error())
	}

	if isPublic(err) {
		d.logger.Debug("requisição recusada", "conn", conn, "header", header, "error", err)
		return protocol.NewError(err.Error())
	}
	d.logger.Error("falha ao processar requisição", "conn", conn, "header", header, "error", err)
	return protocol.NewError(errInternal.Error())
}

func isPublic(err error) bool {
	for _, target := range publicErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
