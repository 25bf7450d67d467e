// Package server implementa o servidor do protocolo glomail e os gateways
// SMTP e IMAP que compartilham a mesma goroutine de despacho.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carloslauriano/glomail/auth"
	"github.com/carloslauriano/glomail/config"
	"github.com/carloslauriano/glomail/mailbox"
	"github.com/carloslauriano/glomail/protocol"
	"github.com/carloslauriano/glomail/session"
	"github.com/carloslauriano/glomail/storage"
)

// ErrServerClosed é retornado por Serve e Exec depois de Close
var ErrServerClosed = errors.New("servidor encerrado")

const (
	eventQueueSize = 64
	maxAcceptDelay = time.Second
)

// Server aceita conexões do protocolo glomail. Cada conexão tem uma goroutine
// que apenas lê e decodifica quadros; todo o tratamento acontece em uma única
// goroutine de despacho, dona do registro de sessões e do acesso ao
// armazenamento.
type Server struct {
	cfg     config.ServerConfig
	store   storage.Storage
	logger  *slog.Logger
	metrics *Metrics

	sessions   *session.Registry
	auth       *auth.Service
	mail       *mailbox.Service
	dispatcher *Dispatcher

	events chan event
	calls  chan call
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	loopWG    sync.WaitGroup
	connWG    sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[session.ConnID]*conn

	nextID atomic.Uint64
}

type conn struct {
	id     session.ConnID
	nc     net.Conn
	w      *protocol.Writer
	remote string

	// closed pertence à goroutine de despacho
	closed bool
}

type event struct {
	conn *conn
	env  protocol.Envelope
	err  error
}

type call struct {
	fn   func() error
	done chan error
}

// New cria o servidor sobre store. Os coletores são registrados em reg, que
// pode ser nil.
func New(cfg *config.Config, store storage.Storage, logger *slog.Logger, reg prometheus.Registerer) (*Server, error) {
	mail, err := mailbox.NewService(store, cfg.Server.Domain, cfg.Storage.LostDir, logger)
	if err != nil {
		return nil, err
	}

	sessions := session.NewRegistry()
	authService := auth.NewService(store, sessions, cfg.Storage.LostDir, logger)
	metrics := NewMetrics(reg)

	return &Server{
		cfg:        cfg.Server,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		sessions:   sessions,
		auth:       authService,
		mail:       mail,
		dispatcher: NewDispatcher(sessions, authService, mail, metrics, logger),
		events:     make(chan event, eventQueueSize),
		calls:      make(chan call),
		done:       make(chan struct{}),
		listeners:  make(map[net.Listener]struct{}),
		conns:      make(map[session.ConnID]*conn),
	}, nil
}

// ListenAndServe escuta no endereço configurado e atende até ctx ser
// cancelado ou Close ser chamado. Só a falha ao escutar é retornada como erro
// imediato.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	s.logger.Info("servidor glomail escutando", "addr", ln.Addr().String(), "domain", s.mail.Domain())
	return s.Serve(ctx, ln)
}

// Serve aceita conexões em ln. Falhas de accept são registradas e o laço
// continua, com espera crescente como em net/http. Cancelar ctx encerra o
// servidor inteiro.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.start()
	if !s.trackListener(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Warn("falha ao aceitar conexão", "error", err, "retry", delay)
			select {
			case <-time.After(delay):
			case <-s.done:
				return ErrServerClosed
			}
			continue
		}
		delay = 0
		s.accept(nc)
	}
}

// Exec executa fn na goroutine de despacho e retorna seu erro. É assim que
// os gateways acessam o armazenamento sem concorrer com os clientes do
// protocolo.
func (s *Server) Exec(ctx context.Context, fn func() error) error {
	s.start()
	c := call{fn: fn, done: make(chan error, 1)}
	select {
	case s.calls <- c:
	case <-s.done:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close fecha os listeners, espera a requisição em andamento terminar e
// fecha todas as conexões
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for ln := range s.listeners {
			ln.Close()
		}
		s.mu.Unlock()

		close(s.done)
		s.loopWG.Wait()

		s.mu.Lock()
		for _, c := range s.conns {
			c.nc.Close()
		}
		s.mu.Unlock()
		s.connWG.Wait()
		s.logger.Info("servidor glomail encerrado")
	})
	return nil
}

// Metrics retorna os coletores do servidor
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) start() {
	s.startOnce.Do(func() {
		s.loopWG.Add(1)
		go s.loop()
	})
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

func (s *Server) accept(nc net.Conn) {
	c := &conn{
		id:     session.ConnID(s.nextID.Add(1)),
		nc:     nc,
		w:      protocol.NewWriter(nc),
		remote: nc.RemoteAddr().String(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c.id] = c
	s.connWG.Add(1)
	s.mu.Unlock()

	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsCurrent.Inc()
	s.logger.Debug("conexão aceita", "conn", c.id, "remote", c.remote)
	go s.read(c)
}

// read decodifica quadros da conexão e os entrega à goroutine de despacho.
// Um quadro que chega aos pedaços só bloqueia esta goroutine.
func (s *Server) read(c *conn) {
	defer s.connWG.Done()
	r := protocol.NewReader(c.nc, s.cfg.MaxFrameBytes)
	for {
		env, err := r.ReadEnvelope()
		ev := event{conn: c, env: env, err: err}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) loop() {
	defer s.loopWG.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
		case c := <-s.calls:
			c.done <- c.fn()
		}
	}
}

func (s *Server) handle(ev event) {
	c := ev.conn
	if c.closed {
		return
	}
	if ev.err != nil {
		switch {
		case errors.Is(ev.err, io.EOF), errors.Is(ev.err, net.ErrClosed):
			s.logger.Debug("conexão encerrada pelo cliente", "conn", c.id, "remote", c.remote)
		case errors.Is(ev.err, protocol.ErrFrameTooLarge), errors.Is(ev.err, protocol.ErrMalformedEnvelope):
			s.logger.Warn("quadro inválido, encerrando conexão", "conn", c.id, "remote", c.remote, "error", ev.err)
		default:
			s.logger.Debug("falha de leitura, encerrando conexão", "conn", c.id, "remote", c.remote, "error", ev.err)
		}
		s.drop(c)
		return
	}

	reply, hangup := s.dispatcher.Dispatch(c.id, ev.env)
	if hangup {
		s.drop(c)
		return
	}

	if s.cfg.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := c.w.WriteEnvelope(reply); err != nil {
		s.logger.Debug("falha ao responder, encerrando conexão", "conn", c.id, "remote", c.remote, "error", err)
		s.drop(c)
	}
}

// drop remove a conexão e sua sessão e fecha o socket
func (s *Server) drop(c *conn) {
	c.closed = true
	s.dispatcher.Disconnect(c.id)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	c.nc.Close()
	s.metrics.ConnectionsCurrent.Dec()
	s.logger.Debug("conexão removida", "conn", c.id, "remote", c.remote)
}
