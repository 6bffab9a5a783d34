// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging constrói o slog.Logger do client. Todo componente do
// driver recebe o logger raiz e se identifica com With("component", ...);
// o raiz carrega o atributo "app" para distinguir o driver nos logs do
// processo hospedeiro.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configura a construção do logger.
type Options struct {
	Level  string    // "debug" | "info" (default) | "warn" | "error"
	Format string    // "json" (default) | "text"
	File   string    // se não vazio, grava também neste arquivo (append)
	Writer io.Writer // destino base; nil usa os.Stdout (testes injetam buffers)
}

// New cria o logger raiz do driver. O io.Closer retornado fecha o arquivo de
// log e deve ser chamado no shutdown; sem arquivo, é um no-op. Falha ao abrir
// o arquivo não é fatal: loga em stderr e segue só com o destino base.
func New(opts Options) (*slog.Logger, io.Closer) {
	w, closer := newWriter(opts)
	handler := newHandler(w, opts)
	return slog.New(handler).With("app", "nvst"), closer
}

func newWriter(opts Options) (io.Writer, io.Closer) {
	base := opts.Writer
	if base == nil {
		base = os.Stdout
	}
	if opts.File == "" {
		return base, io.NopCloser(strings.NewReader(""))
	}

	f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).
			Warn("could not open log file, logging to base writer only", "file", opts.File, "error", err)
		return base, io.NopCloser(strings.NewReader(""))
	}
	return io.MultiWriter(base, f), f
}

func newHandler(w io.Writer, opts Options) slog.Handler {
	hopts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	if strings.ToLower(opts.Format) == "text" {
		return slog.NewTextHandler(w, hopts)
	}
	return slog.NewJSONHandler(w, hopts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
