package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/carloslauriano/glomail/config"
	"github.com/carloslauriano/glomail/mailbox"
)

// SMTPBackend implementa a interface smtp.Backend, entregando cada
// mensagem recebida pela goroutine de despacho do servidor
type SMTPBackend struct {
	srv           *Server
	maxRecipients int
	logger        *slog.Logger
}

// NewSMTPBackend cria um novo backend SMTP
func NewSMTPBackend(srv *Server, cfg config.SMTPConfig) *SMTPBackend {
	return &SMTPBackend{
		srv:           srv,
		maxRecipients: cfg.MaxRecipients,
		logger:        srv.logger.With("gateway", "smtp"),
	}
}

// NewSession cria uma sessão para a conexão SMTP
func (b *SMTPBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if nc := c.Conn(); nc != nil {
		remote = nc.RemoteAddr().String()
	}
	return &SMTPSession{backend: b, remote: remote}, nil
}

// SMTPSession implementa a interface smtp.Session
type SMTPSession struct {
	backend *SMTPBackend
	remote  string
	from    string
	to      []string
}

// Mail inicia uma nova transação de email
func (s *SMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt adiciona um destinatário; só endereços do domínio do serviço são aceitos
func (s *SMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.backend.maxRecipients > 0 && len(s.to) >= s.backend.maxRecipients {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "destinatários demais",
		}
	}

	_, err := s.backend.srv.mail.LocalPart(to)
	switch {
	case errors.Is(err, mailbox.ErrExternalDelivery):
		s.backend.srv.metrics.observeDelivery(err)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      mailbox.ErrExternalDelivery.Error(),
		}
	case err != nil:
		s.backend.srv.metrics.observeDelivery(err)
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      mailbox.ErrInvalidAddress.Error(),
		}
	}

	s.to = append(s.to, to)
	return nil
}

// Data lê a mensagem e a entrega a cada destinatário. Destinatários locais
// inexistentes ficam no depósito de correio perdido e a transação é
// respondida com 550.
func (s *SMTPSession) Data(r io.Reader) error {
	if len(s.to) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "nenhum destinatário informado",
		}
	}

	parsed, err := mailbox.ParseMessage(r, s.from)
	if errors.Is(err, smtp.ErrDataTooLarge) {
		return smtp.ErrDataTooLarge
	}
	if err != nil {
		s.backend.logger.Warn("mensagem recusada", "remote", s.remote, "error", err)
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "mensagem malformada",
		}
	}

	var missing []string
	for _, to := range s.to {
		email := *parsed
		email.Destination = to

		err := s.backend.srv.Exec(context.Background(), func() error {
			return s.backend.srv.mail.Deliver(&email)
		})
		s.backend.srv.metrics.observeDelivery(err)
		switch {
		case err == nil:
		case errors.Is(err, mailbox.ErrRecipientNotFound):
			missing = append(missing, to)
		default:
			s.backend.logger.Error("falha ao entregar mensagem", "remote", s.remote, "destination", to, "error", err)
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "erro interno do servidor",
			}
		}
	}

	if len(missing) > 0 {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      fmt.Sprintf("%s: %s", mailbox.ErrRecipientNotFound, strings.Join(missing, ", ")),
		}
	}
	return nil
}

// Reset limpa o estado da sessão
func (s *SMTPSession) Reset() {
	s.from = ""
	s.to = nil
}

// Logout finaliza a sessão
func (s *SMTPSession) Logout() error {
	return nil
}

// NewSMTPServer cria o servidor SMTP do gateway
func (s *Server) NewSMTPServer(cfg config.SMTPConfig) *smtp.Server {
	ss := smtp.NewServer(NewSMTPBackend(s, cfg))

	ss.Addr = cfg.Addr()
	ss.Domain = s.mail.Domain()
	ss.ReadTimeout = cfg.Timeout
	ss.WriteTimeout = cfg.Timeout
	ss.MaxMessageBytes = cfg.MaxMessageBytes
	ss.MaxRecipients = cfg.MaxRecipients
	ss.AllowInsecureAuth = true
	ss.ErrorLog = slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn)
	return ss
}

// StartSMTPServer inicia o gateway SMTP e o mantém até ctx ser cancelado
func (s *Server) StartSMTPServer(ctx context.Context, cfg config.SMTPConfig) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}

	ss := s.NewSMTPServer(cfg)
	stop := context.AfterFunc(ctx, func() { _ = ss.Close() })
	defer stop()

	s.logger.Info("gateway SMTP escutando", "addr", ln.Addr().String())
	if err := ss.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) && ctx.Err() == nil {
		return err
	}
	return nil
}
