package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/carloslauriano/glomail/config"
	"github.com/carloslauriano/glomail/logging"
	"github.com/carloslauriano/glomail/server"
	"github.com/carloslauriano/glomail/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "arquivo de configuração YAML")
	pflag.Parse()

	// Carregar configuração
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao carregar configuração: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Erro ao configurar log: %v\n", err)
		os.Exit(1)
	}

	// Inicializar armazenamento
	store, err := storage.NewStorage(&cfg.Storage, logger)
	if err != nil {
		logger.Error("erro ao inicializar armazenamento", "error", err)
		os.Exit(1)
	}
	if err := store.Open(); err != nil {
		logger.Error("erro ao abrir armazenamento", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.New(cfg, store, logger, reg)
	if err != nil {
		logger.Error("erro ao criar servidor", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Iniciar servidores em goroutines separadas
	errc := make(chan error, 4)
	run := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, server.ErrServerClosed) {
				errc <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("glomail", srv.ListenAndServe)
	if cfg.SMTP.Port > 0 {
		run("smtp", func(ctx context.Context) error { return srv.StartSMTPServer(ctx, cfg.SMTP) })
	}
	if cfg.IMAP.Port > 0 {
		run("imap", func(ctx context.Context) error { return srv.StartIMAPServer(ctx, cfg.IMAP) })
	}
	if cfg.Metrics.Port > 0 {
		run("metrics", func(ctx context.Context) error { return srv.StartMetricsServer(ctx, cfg.Metrics, reg) })
	}

	code := 0
	select {
	case err := <-errc:
		logger.Error("erro no servidor", "error", err)
		code = 1
	case <-ctx.Done():
		logger.Info("sinal recebido, encerrando")
	}

	if err := srv.Close(); err != nil {
		logger.Error("erro ao encerrar servidor", "error", err)
	}
	if code != 0 {
		store.Close()
		os.Exit(code)
	}
}
