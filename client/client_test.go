package client

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carloslauriano/glomail/protocol"
)

// fakeServer responde a cada requisição com a próxima resposta da lista e
// guarda as requisições recebidas
type fakeServer struct {
	requests chan protocol.Envelope
}

func newPair(t *testing.T, replies ...protocol.Envelope) (*Client, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})

	fs := &fakeServer{requests: make(chan protocol.Envelope, len(replies)+1)}
	go func() {
		r := protocol.NewReader(serverConn, 0)
		w := protocol.NewWriter(serverConn)
		for _, reply := range replies {
			env, err := r.ReadEnvelope()
			if err != nil {
				return
			}
			fs.requests <- env
			if err := w.WriteEnvelope(reply); err != nil {
				return
			}
		}
		if env, err := r.ReadEnvelope(); err == nil {
			fs.requests <- env
		}
	}()

	return NewClient(clientConn, "glo2000.ca"), fs
}

func (fs *fakeServer) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-fs.requests:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("requisição não recebida")
		return protocol.Envelope{}
	}
}

func ok(t *testing.T, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewOK(payload)
	require.NoError(t, err)
	return env
}

func TestRegisterAndSend(t *testing.T) {
	c, fs := newPair(t, ok(t, nil), ok(t, nil))

	require.NoError(t, c.Register("alice", "longenough1A"))
	assert.Equal(t, "alice", c.Username())
	assert.Equal(t, "alice@glo2000.ca", c.Address())

	req := fs.next(t)
	assert.Equal(t, protocol.HeaderAuthRegister, req.Header)
	var auth protocol.AuthPayload
	require.NoError(t, req.DecodePayload(&auth))
	assert.Equal(t, protocol.AuthPayload{Username: "alice", Password: "longenough1A"}, auth)

	require.NoError(t, c.SendEmail("bob@glo2000.ca", "oi", "corpo\ncom linhas"))
	req = fs.next(t)
	assert.Equal(t, protocol.HeaderEmailSending, req.Header)
	var content protocol.EmailContentPayload
	require.NoError(t, req.DecodePayload(&content))
	assert.Equal(t, "alice@glo2000.ca", content.Sender)
	assert.Equal(t, "bob@glo2000.ca", content.Destination)
	assert.Equal(t, "corpo\ncom linhas", content.Content)
	_, err := time.Parse(time.RFC1123Z, content.Date)
	assert.NoError(t, err)
}

func TestServerErrorReply(t *testing.T) {
	c, _ := newPair(t, protocol.NewError("senha incorreta"))

	err := c.Login("alice", "errada")
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.HeaderAuthLogin, serverErr.Header)
	assert.Equal(t, "senha incorreta", serverErr.Message)
	assert.Empty(t, c.Username())
}

func TestInboxAndStats(t *testing.T) {
	c, fs := newPair(t,
		ok(t, protocol.EmailListPayload{EmailList: []string{"#1 bob@glo2000.ca - oi - data"}}),
		ok(t, protocol.EmailContentPayload{Sender: "bob@glo2000.ca", Subject: "oi", Content: "olá"}),
		ok(t, protocol.StatsPayload{Count: 1, Size: 321}),
	)

	list, err := c.ListEmails()
	require.NoError(t, err)
	assert.Equal(t, []string{"#1 bob@glo2000.ca - oi - data"}, list)
	assert.Equal(t, protocol.HeaderInboxReadingRequest, fs.next(t).Header)

	email, err := c.ReadEmail(1)
	require.NoError(t, err)
	assert.Equal(t, "olá", email.Content)
	req := fs.next(t)
	var choice protocol.EmailChoicePayload
	require.NoError(t, req.DecodePayload(&choice))
	assert.Equal(t, 1, choice.Choice)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, &Stats{Count: 1, Size: 321}, stats)
}

func TestLogoutAndQuit(t *testing.T) {
	c, fs := newPair(t, ok(t, nil), ok(t, nil))

	require.NoError(t, c.Login("alice", "longenough1A"))
	fs.next(t)
	require.NoError(t, c.Logout())
	assert.Equal(t, protocol.HeaderAuthLogout, fs.next(t).Header)
	assert.Empty(t, c.Username())

	require.NoError(t, c.Quit())
	assert.Equal(t, protocol.HeaderBye, fs.next(t).Header)
}
