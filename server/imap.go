package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/backendutil"
	imapserver "github.com/emersion/go-imap/server"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/carloslauriano/glomail/auth"
	"github.com/carloslauriano/glomail/config"
	"github.com/carloslauriano/glomail/mailbox"
	"github.com/carloslauriano/glomail/storage"
)

const inboxName = "INBOX"

// ErrReadOnly é retornado pelos comandos IMAP que alterariam a caixa
var ErrReadOnly = errors.New("caixa de correio somente leitura")

// IMAPBackend implementa a interface backend.Backend com uma única caixa
// INBOX somente leitura por usuário
type IMAPBackend struct {
	srv    *Server
	logger *slog.Logger
}

// NewIMAPBackend cria um novo backend IMAP
func NewIMAPBackend(srv *Server) *IMAPBackend {
	return &IMAPBackend{
		srv:    srv,
		logger: srv.logger.With("gateway", "imap"),
	}
}

// Login implementa a autenticação IMAP
func (b *IMAPBackend) Login(connInfo *imap.ConnInfo, username, password string) (backend.User, error) {
	var account *storage.Account
	err := b.srv.Exec(context.Background(), func() error {
		var err error
		account, err = b.srv.auth.Verify(username, password)
		return err
	})
	if errors.Is(err, auth.ErrUserNotFound) || errors.Is(err, auth.ErrIncorrectPassword) {
		b.logger.Info("autenticação IMAP recusada", "user", username, "error", err)
		return nil, backend.ErrInvalidCredentials
	} else if err != nil {
		b.logger.Error("falha na autenticação IMAP", "user", username, "error", err)
		return nil, errInternal
	}

	return &IMAPUser{backend: b, username: account.Username}, nil
}

// IMAPUser implementa a interface backend.User
type IMAPUser struct {
	backend  *IMAPBackend
	username string
}

// Username retorna o nome do usuário
func (u *IMAPUser) Username() string {
	return u.username
}

// ListMailboxes lista as caixas do usuário: apenas INBOX
func (u *IMAPUser) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	return []backend.Mailbox{&IMAPMailbox{user: u}}, nil
}

// GetMailbox obtém uma caixa pelo nome
func (u *IMAPUser) GetMailbox(name string) (backend.Mailbox, error) {
	if !strings.EqualFold(name, inboxName) {
		return nil, backend.ErrNoSuchMailbox
	}
	return &IMAPMailbox{user: u}, nil
}

// CreateMailbox não é suportado
func (u *IMAPUser) CreateMailbox(name string) error {
	return ErrReadOnly
}

// DeleteMailbox não é suportado
func (u *IMAPUser) DeleteMailbox(name string) error {
	return ErrReadOnly
}

// RenameMailbox não é suportado
func (u *IMAPUser) RenameMailbox(existingName, newName string) error {
	return ErrReadOnly
}

// Logout finaliza a sessão
func (u *IMAPUser) Logout() error {
	return nil
}

// IMAPMailbox implementa a interface backend.Mailbox. O número de sequência
// segue a ordem da listagem do protocolo (mais recente primeiro) e o UID é
// igual a ele; UIDVALIDITY muda junto com o número de mensagens.
type IMAPMailbox struct {
	user *IMAPUser
}

type imapMessage struct {
	seq  uint32
	date time.Time
	raw  []byte
}

// Name retorna o nome da caixa de entrada
func (m *IMAPMailbox) Name() string {
	return inboxName
}

// Info retorna informações sobre a caixa de entrada
func (m *IMAPMailbox) Info() (*imap.MailboxInfo, error) {
	return &imap.MailboxInfo{
		Attributes: []string{imap.NoInferiorsAttr},
		Delimiter:  "/",
		Name:       inboxName,
	}, nil
}

// Status retorna o status da caixa de entrada
func (m *IMAPMailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	messages, err := m.messages()
	if err != nil {
		return nil, err
	}

	status := imap.NewMailboxStatus(inboxName, items)
	status.ReadOnly = true
	status.Flags = []string{}
	status.PermanentFlags = []string{}
	for _, item := range items {
		switch item {
		case imap.StatusMessages:
			status.Messages = uint32(len(messages))
		case imap.StatusRecent:
			status.Recent = 0
		case imap.StatusUnseen:
			status.Unseen = 0
		case imap.StatusUidNext:
			status.UidNext = uint32(len(messages) + 1)
		case imap.StatusUidValidity:
			status.UidValidity = uint32(len(messages) + 1)
		}
	}
	return status, nil
}

// SetSubscribed é aceito e ignorado
func (m *IMAPMailbox) SetSubscribed(subscribed bool) error {
	return nil
}

// Check verifica a integridade da caixa de entrada
func (m *IMAPMailbox) Check() error {
	return nil
}

// ListMessages lista as mensagens da caixa de entrada
func (m *IMAPMailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)

	messages, err := m.messages()
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if !seqSet.Contains(msg.seq) {
			continue
		}
		fetched, err := msg.fetch(items)
		if err != nil {
			m.user.backend.logger.Warn("mensagem IMAP ignorada", "user", m.user.username, "seq", msg.seq, "error", err)
			continue
		}
		ch <- fetched
	}
	return nil
}

// SearchMessages pesquisa mensagens na caixa de entrada
func (m *IMAPMailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	messages, err := m.messages()
	if err != nil {
		return nil, err
	}

	var results []uint32
	for _, msg := range messages {
		entity, err := message.Read(bytes.NewReader(msg.raw))
		if err != nil && !message.IsUnknownCharset(err) {
			continue
		}
		ok, err := backendutil.Match(entity, msg.seq, msg.seq, msg.date, nil, criteria)
		if err != nil || !ok {
			continue
		}
		results = append(results, msg.seq)
	}
	return results, nil
}

// CreateMessage não é suportado
func (m *IMAPMailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	return ErrReadOnly
}

// UpdateMessagesFlags não é suportado
func (m *IMAPMailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, operation imap.FlagsOp, flags []string) error {
	return ErrReadOnly
}

// CopyMessages não é suportado
func (m *IMAPMailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	return ErrReadOnly
}

// Expunge não é suportado
func (m *IMAPMailbox) Expunge() error {
	return ErrReadOnly
}

// messages carrega a caixa na goroutine de despacho e renderiza cada email
// fora dela
func (m *IMAPMailbox) messages() ([]imapMessage, error) {
	srv := m.user.backend.srv

	var emails []*storage.Email
	err := srv.Exec(context.Background(), func() error {
		var err error
		emails, err = srv.mail.Emails(m.user.username)
		return err
	})
	if err != nil {
		m.user.backend.logger.Error("falha ao carregar caixa IMAP", "user", m.user.username, "error", err)
		return nil, errInternal
	}

	messages := make([]imapMessage, 0, len(emails))
	for i, e := range emails {
		raw, err := srv.mail.Render(e)
		if err != nil {
			return nil, fmt.Errorf("falha ao renderizar email %s: %w", e.ID, err)
		}
		date, ok := mailbox.ParseDate(e.Date)
		if !ok {
			date = time.Unix(0, 0).UTC()
		}
		messages = append(messages, imapMessage{seq: uint32(i + 1), date: date, raw: raw})
	}
	return messages, nil
}

func (msg *imapMessage) fetch(items []imap.FetchItem) (*imap.Message, error) {
	fetched := imap.NewMessage(msg.seq, items)
	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			hdr, _, err := msg.read()
			if err != nil {
				return nil, err
			}
			if fetched.Envelope, err = backendutil.FetchEnvelope(hdr); err != nil {
				return nil, err
			}
		case imap.FetchBody, imap.FetchBodyStructure:
			hdr, body, err := msg.read()
			if err != nil {
				return nil, err
			}
			if fetched.BodyStructure, err = backendutil.FetchBodyStructure(hdr, body, item == imap.FetchBodyStructure); err != nil {
				return nil, err
			}
		case imap.FetchFlags:
			fetched.Flags = []string{}
		case imap.FetchInternalDate:
			fetched.InternalDate = msg.date
		case imap.FetchRFC822Size:
			fetched.Size = uint32(len(msg.raw))
		case imap.FetchUid:
			fetched.Uid = msg.seq
		default:
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				break
			}
			hdr, body, err := msg.read()
			if err != nil {
				return nil, err
			}
			literal, err := backendutil.FetchBodySection(hdr, body, section)
			if err != nil {
				return nil, err
			}
			fetched.Body[section] = literal
		}
	}
	return fetched, nil
}

func (msg *imapMessage) read() (textproto.Header, *bufio.Reader, error) {
	body := bufio.NewReader(bytes.NewReader(msg.raw))
	hdr, err := textproto.ReadHeader(body)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("falha ao ler cabeçalho: %w", err)
	}
	return hdr, body, nil
}

// NewIMAPServer cria o servidor IMAP do gateway
func (s *Server) NewIMAPServer(cfg config.IMAPConfig) *imapserver.Server {
	is := imapserver.New(NewIMAPBackend(s))
	is.Addr = cfg.Addr()
	is.AllowInsecureAuth = true
	is.ErrorLog = slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn)
	return is
}

// StartIMAPServer inicia o gateway IMAP e o mantém até ctx ser cancelado
func (s *Server) StartIMAPServer(ctx context.Context, cfg config.IMAPConfig) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}

	is := s.NewIMAPServer(cfg)
	stop := context.AfterFunc(ctx, func() { _ = is.Close() })
	defer stop()

	s.logger.Info("gateway IMAP escutando", "addr", ln.Addr().String())
	if err := is.Serve(ln); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
