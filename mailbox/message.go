package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/carloslauriano/glomail/storage"
)

// Render converte o email armazenado em uma mensagem RFC 5322 com corpo
// text/plain, usada pelo gateway IMAP
func (s *Service) Render(email *storage.Email) ([]byte, error) {
	var h mail.Header
	if t, ok := ParseDate(email.Date); ok {
		h.SetDate(t)
	} else {
		h.Set("Date", email.Date)
	}
	h.SetSubject(email.Subject)
	setAddress(&h, "From", email.Sender)
	setAddress(&h, "To", email.Destination)
	h.SetMessageID(email.ID + "@" + s.domain)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("falha ao criar mensagem: %w", err)
	}
	if _, err := io.WriteString(w, email.Content); err != nil {
		return nil, fmt.Errorf("falha ao escrever corpo: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("falha ao finalizar mensagem: %w", err)
	}
	return buf.Bytes(), nil
}

func setAddress(h *mail.Header, key, address string) {
	addr, err := mail.ParseAddress(address)
	if err != nil {
		h.Set(key, address)
		return
	}
	h.SetAddressList(key, []*mail.Address{addr})
}

// ParseMessage lê uma mensagem RFC 5322 recebida por SMTP e extrai remetente,
// assunto, data e o primeiro corpo text/plain. envelopeFrom é usado quando a
// mensagem não tem From; a data atual quando não tem Date.
func ParseMessage(r io.Reader, envelopeFrom string) (*storage.Email, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("falha ao ler mensagem: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	email := &storage.Email{Sender: envelopeFrom}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.Sender = from[0].Address
	}
	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	}
	email.Date = strings.TrimSpace(h.Get("Date"))
	if email.Date == "" {
		email.Date = time.Now().UTC().Format(time.RFC1123Z)
	}

	body, err := textBody(entity)
	if err != nil {
		return nil, err
	}
	email.Content = body
	return email, nil
}

// textBody retorna o primeiro corpo text/plain, percorrendo partes multipart
func textBody(entity *message.Entity) (string, error) {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return "", nil
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return "", fmt.Errorf("falha ao ler parte da mensagem: %w", err)
			}
			body, err := textBody(part)
			if err != nil {
				return "", err
			}
			if body != "" {
				return body, nil
			}
		}
	}

	mediaType, _, err := entity.Header.ContentType()
	if err == nil && mediaType != "" && mediaType != "text/plain" {
		return "", nil
	}
	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return "", fmt.Errorf("falha ao ler corpo da mensagem: %w", err)
	}
	return strings.ReplaceAll(string(content), "\r\n", "\n"), nil
}
