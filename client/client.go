// Package client implementa um cliente do protocolo glomail.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/carloslauriano/glomail/protocol"
)

// DefaultPort é a porta padrão do servidor glomail
const DefaultPort = 1400

// ServerError é uma resposta ERROR do servidor
type ServerError struct {
	Header  protocol.Header
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Header, e.Message)
}

// Email é um email lido da caixa
type Email = protocol.EmailContentPayload

// Stats são as estatísticas da caixa
type Stats = protocol.StatsPayload

// Client fala o protocolo glomail sobre uma conexão. Não é seguro para uso
// concorrente; cada requisição espera sua resposta.
type Client struct {
	conn     net.Conn
	r        *protocol.Reader
	w        *protocol.Writer
	domain   string
	username string
}

// Dial conecta ao servidor em host:port
func Dial(ctx context.Context, host string, port int, domain string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("falha ao conectar a %s: %w", host, err)
	}
	return NewClient(conn, domain), nil
}

// NewClient cria um cliente sobre uma conexão já estabelecida
func NewClient(conn net.Conn, domain string) *Client {
	return &Client{
		conn:   conn,
		r:      protocol.NewReader(conn, protocol.DefaultMaxFrameBytes),
		w:      protocol.NewWriter(conn),
		domain: domain,
	}
}

// Username retorna o usuário autenticado, ou "" se não houver
func (c *Client) Username() string {
	return c.username
}

// Address retorna o endereço de email do usuário autenticado
func (c *Client) Address() string {
	if c.username == "" {
		return ""
	}
	return c.username + "@" + c.domain
}

// Register cria uma conta e autentica a conexão
func (c *Client) Register(username, password string) error {
	if _, err := c.do(protocol.Register{AuthPayload: protocol.AuthPayload{Username: username, Password: password}}); err != nil {
		return err
	}
	c.username = username
	return nil
}

// Login autentica a conexão
func (c *Client) Login(username, password string) error {
	if _, err := c.do(protocol.Login{AuthPayload: protocol.AuthPayload{Username: username, Password: password}}); err != nil {
		return err
	}
	c.username = username
	return nil
}

// Logout encerra a sessão; a conexão continua aberta
func (c *Client) Logout() error {
	if _, err := c.do(protocol.Logout{}); err != nil {
		return err
	}
	c.username = ""
	return nil
}

// Quit avisa o servidor com BYE e fecha a conexão
func (c *Client) Quit() error {
	err := c.w.WriteMessage(protocol.Bye{})
	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}
	c.username = ""
	return err
}

// Close fecha a conexão sem avisar o servidor
func (c *Client) Close() error {
	return c.conn.Close()
}

// ListEmails retorna o resumo dos emails da caixa, do mais recente ao mais antigo
func (c *Client) ListEmails() ([]string, error) {
	reply, err := c.do(protocol.InboxRequest{})
	if err != nil {
		return nil, err
	}
	var p protocol.EmailListPayload
	if err := reply.DecodePayload(&p); err != nil {
		return nil, err
	}
	return p.EmailList, nil
}

// ReadEmail retorna o email na posição choice da listagem, a partir de 1
func (c *Client) ReadEmail(choice int) (*Email, error) {
	reply, err := c.do(protocol.InboxChoice{Choice: choice})
	if err != nil {
		return nil, err
	}
	var email Email
	if err := reply.DecodePayload(&email); err != nil {
		return nil, err
	}
	return &email, nil
}

// SendEmail envia um email a partir do usuário autenticado, datado agora
func (c *Client) SendEmail(destination, subject, content string) error {
	_, err := c.do(protocol.SendEmail{EmailContentPayload: protocol.EmailContentPayload{
		Sender:      c.Address(),
		Destination: destination,
		Subject:     subject,
		Date:        time.Now().UTC().Format(time.RFC1123Z),
		Content:     content,
	}})
	return err
}

// Stats retorna o número de emails e o tamanho da caixa
func (c *Client) Stats() (*Stats, error) {
	reply, err := c.do(protocol.StatsRequest{})
	if err != nil {
		return nil, err
	}
	var stats Stats
	if err := reply.DecodePayload(&stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// do envia a requisição e espera a resposta; ERROR vira *ServerError
func (c *Client) do(m protocol.Message) (protocol.Envelope, error) {
	if err := c.w.WriteMessage(m); err != nil {
		return protocol.Envelope{}, fmt.Errorf("falha ao enviar %s: %w", m.Header(), err)
	}
	reply, err := c.r.ReadEnvelope()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("falha ao ler resposta de %s: %w", m.Header(), err)
	}

	switch reply.Header {
	case protocol.HeaderOK:
		return reply, nil
	case protocol.HeaderError:
		return reply, &ServerError{Header: m.Header(), Message: reply.ErrorMessage()}
	default:
		return reply, fmt.Errorf("resposta inesperada a %s: %s", m.Header(), reply.Header)
	}
}
