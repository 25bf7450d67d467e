package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carloslauriano/glomail/client"
	"github.com/carloslauriano/glomail/config"
	"github.com/carloslauriano/glomail/logging"
	"github.com/carloslauriano/glomail/mailbox"
	"github.com/carloslauriano/glomail/protocol"
	"github.com/carloslauriano/glomail/storage"
)

const (
	testDomain    = "glo2000.ca"
	testPassword  = "longenough1A"
	testMaxFrame  = 4096
	ioTestTimeout = 2 * time.Second
)

type testServer struct {
	srv   *Server
	store storage.Storage
	addr  string
	reg   *prometheus.Registry
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Domain:        testDomain,
			MaxFrameBytes: testMaxFrame,
			WriteTimeout:  time.Second,
		},
		Storage: config.StorageConfig{LostDir: "LOST"},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewFilesystemStorage(t.TempDir(), "LOST", logging.Discard())
	require.NoError(t, store.Open())
	srv, err := New(testConfig(), store, logging.Discard(), nil)
	require.NoError(t, err)
	return srv
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewFilesystemStorage(t.TempDir(), "LOST", logging.Discard())
	require.NoError(t, store.Open())
	reg := prometheus.NewRegistry()
	srv, err := New(testConfig(), store, logging.Discard(), reg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, srv.Close())
		assert.ErrorIs(t, <-errc, ErrServerClosed)
	})

	return &testServer{srv: srv, store: store, addr: ln.Addr().String(), reg: reg}
}

func (ts *testServer) dial(t *testing.T) *client.Client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.addr, ioTestTimeout)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	c := client.NewClient(conn, testDomain)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (ts *testServer) dialRaw(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.addr, ioTestTimeout)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func serverMessage(t *testing.T, err error) string {
	t.Helper()
	var serverErr *client.ServerError
	require.True(t, errors.As(err, &serverErr), "esperava ServerError, obteve %v", err)
	return serverErr.Message
}

// expectClosed confirma que o servidor fechou a conexão sem responder
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	data, err := io.ReadAll(conn)
	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "a conexão não foi fechada")
	}
	assert.Empty(t, data)
}

func TestEndToEnd(t *testing.T) {
	ts := startServer(t)

	alice := ts.dial(t)
	bob := ts.dial(t)
	require.NoError(t, alice.Register("alice", testPassword))
	require.NoError(t, bob.Register("Bob", testPassword))

	require.NoError(t, bob.SendEmail("alice@glo2000.ca", "primeiro", "olá\nalice"))
	time.Sleep(1100 * time.Millisecond) // datas com resolução de segundos
	require.NoError(t, bob.SendEmail("ALICE@glo2000.ca", "segundo", "de novo"))

	list, err := alice.ListEmails()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, strings.HasPrefix(list[0], "#1 Bob@glo2000.ca - segundo - "), list[0])
	assert.True(t, strings.HasPrefix(list[1], "#2 Bob@glo2000.ca - primeiro - "), list[1])

	email, err := alice.ReadEmail(2)
	require.NoError(t, err)
	assert.Equal(t, "primeiro", email.Subject)
	assert.Equal(t, "olá\nalice", email.Content)
	assert.Equal(t, "Bob@glo2000.ca", email.Sender)

	stats, err := alice.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.Positive(t, stats.Size)

	_, err = alice.ReadEmail(3)
	assert.Equal(t, mailbox.ErrInvalidChoice.Error()+": 3 (a caixa tem 2 emails)", serverMessage(t, err))

	require.NoError(t, alice.Logout())
	_, err = alice.ListEmails()
	assert.Equal(t, ErrUnauthenticated.Error(), serverMessage(t, err))

	require.NoError(t, alice.Login("ALICE", testPassword))
	list, err = alice.ListEmails()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, alice.Quit())
	require.NoError(t, bob.Quit())
}

func TestUnauthenticatedRequests(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t)

	_, err := c.ListEmails()
	assert.Equal(t, ErrUnauthenticated.Error(), serverMessage(t, err))
	_, err = c.ReadEmail(1)
	assert.Equal(t, ErrUnauthenticated.Error(), serverMessage(t, err))
	_, err = c.Stats()
	assert.Equal(t, ErrUnauthenticated.Error(), serverMessage(t, err))
	assert.Error(t, c.SendEmail("x@glo2000.ca", "s", "c"))
	assert.Equal(t, ErrUnauthenticated.Error(), serverMessage(t, c.Logout()))

	// A conexão continua utilizável
	require.NoError(t, c.Register("carla", testPassword))
}

func TestDeliveryErrors(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t)
	require.NoError(t, c.Register("user", testPassword))

	err := c.SendEmail("user@external.com", "fora", "x")
	assert.Contains(t, serverMessage(t, err), mailbox.ErrExternalDelivery.Error())

	err = c.SendEmail("fantasma@glo2000.ca", "perdido", "x")
	assert.Contains(t, serverMessage(t, err), mailbox.ErrRecipientNotFound.Error())

	err = c.SendEmail("não é endereço", "x", "x")
	assert.Contains(t, serverMessage(t, err), mailbox.ErrInvalidAddress.Error())

	var lost []*storage.Email
	require.NoError(t, ts.srv.Exec(context.Background(), func() error {
		var err error
		lost, err = ts.store.ListLostEmails()
		return err
	}))
	require.Len(t, lost, 1)
	assert.Equal(t, "perdido", lost[0].Subject)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)

	assert.Equal(t, 1.0, testutil.ToFloat64(ts.srv.Metrics().DeliveriesTotal.WithLabelValues(deliveryLost)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.srv.Metrics().DeliveriesTotal.WithLabelValues(deliveryExternal)))
}

func TestByeClosesWithoutReply(t *testing.T) {
	ts := startServer(t)
	conn := ts.dialRaw(t)

	_, err := conn.Write([]byte(`{"header":"BYE"}` + "\n"))
	require.NoError(t, err)
	expectClosed(t, conn)
}

func TestOversizeFrameClosesOnlyThatConnection(t *testing.T) {
	ts := startServer(t)
	other := ts.dial(t)
	require.NoError(t, other.Register("dani", testPassword))

	conn := ts.dialRaw(t)
	_, err := conn.Write([]byte(`{"header":"AUTH_LOGIN","payload":{"username":"` + strings.Repeat("a", testMaxFrame) + `"}}` + "\n"))
	require.NoError(t, err)
	expectClosed(t, conn)

	_, err = other.ListEmails()
	require.NoError(t, err)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	ts := startServer(t)
	conn := ts.dialRaw(t)

	_, err := conn.Write([]byte("isto não é json\n"))
	require.NoError(t, err)
	expectClosed(t, conn)
}

func TestUnknownHeaderKeepsConnection(t *testing.T) {
	ts := startServer(t)
	conn := ts.dialRaw(t)
	r := protocol.NewReader(conn, 0)
	w := protocol.NewWriter(conn)

	require.NoError(t, w.WriteEnvelope(protocol.Envelope{Header: "DANCE"}))
	reply, err := r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, protocol.HeaderError, reply.Header)
	assert.Contains(t, reply.ErrorMessage(), protocol.ErrUnknownHeader.Error())

	require.NoError(t, w.WriteEnvelope(protocol.Envelope{Header: protocol.HeaderAuthLogin}))
	reply, err = r.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, protocol.HeaderError, reply.Header)
	assert.Contains(t, reply.ErrorMessage(), protocol.ErrMissingPayload.Error())
}

func TestPartialFrameDoesNotStallOthers(t *testing.T) {
	ts := startServer(t)

	slow := ts.dialRaw(t)
	frame := `{"header":"AUTH_REGISTER","payload":{"username":"lento","password":"` + testPassword + `"}}` + "\n"
	_, err := slow.Write([]byte(frame[:20]))
	require.NoError(t, err)

	fast := ts.dial(t)
	require.NoError(t, fast.Register("rapido", testPassword))
	_, err = fast.Stats()
	require.NoError(t, err)

	_, err = slow.Write([]byte(frame[20:]))
	require.NoError(t, err)
	line, err := bufio.NewReader(slow).ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"header":"OK"}`, strings.TrimSpace(line))
}

func TestDisconnectUnbindsSession(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t)
	require.NoError(t, c.Register("eva", testPassword))

	sessions := func() int {
		var n int
		require.NoError(t, ts.srv.Exec(context.Background(), func() error {
			n = ts.srv.sessions.Len()
			return nil
		}))
		return n
	}
	assert.Equal(t, 1, sessions())

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return sessions() == 0 }, ioTestTimeout, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(ts.srv.Metrics().ConnectionsCurrent) == 0
	}, ioTestTimeout, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.srv.Metrics().ConnectionsTotal))
}

func TestExecAfterClose(t *testing.T) {
	srv := newTestServer(t)

	ran := false
	require.NoError(t, srv.Exec(context.Background(), func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	want := errors.New("falha")
	assert.Equal(t, want, srv.Exec(context.Background(), func() error { return want }))

	require.NoError(t, srv.Close())
	assert.ErrorIs(t, srv.Exec(context.Background(), func() error { return nil }), ErrServerClosed)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(context.Background(), ln), ErrServerClosed)
}

func TestHTTPHandler(t *testing.T) {
	ts := startServer(t)
	c := ts.dial(t)
	require.NoError(t, c.Register("fabio", testPassword))
	assert.Error(t, c.SendEmail("ninguem@glo2000.ca", "sem dono", "x"))

	h := ts.srv.HTTPHandler(ts.reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "glomail_connections_total 1")
	assert.Contains(t, rec.Body.String(), `glomail_requests_total{header="AUTH_REGISTER",result="ok"} 1`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lost", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subject":"sem dono"`)
	assert.Contains(t, rec.Body.String(), `"destination":"ninguem@glo2000.ca"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/lost", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
