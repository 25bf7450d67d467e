// Package logging constrói o slog.Logger usado por todos os componentes.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/carloslauriano/glomail/config"
)

// New cria um logger de acordo com a configuração. Formatos aceitos: "text" e "json".
func New(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("nível de log inválido %q: %w", cfg.Level, err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text", "console":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("formato de log não suportado: %s", cfg.Format)
	}

	return slog.New(handler), nil
}

// Discard retorna um logger que descarta tudo. Útil em testes.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
