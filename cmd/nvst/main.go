// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// nvst é a ferramenta de linha de comando do driver: carrega a configuração
// YAML, abre o pool e executa um request VST, imprimindo o body VelocyPack
// como JSON. Útil para validar deployment, credenciais e topologia.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nishisan-dev/n-vst/internal/config"
	"github.com/nishisan-dev/n-vst/internal/driver"
	"github.com/nishisan-dev/n-vst/internal/logging"
	"github.com/nishisan-dev/n-vst/internal/pool"
	"github.com/nishisan-dev/n-vst/internal/vpack"
)

func main() {
	configPath := flag.String("config", "/etc/nvst/client.yaml", "path to client config file")
	database := flag.String("database", "_system", "target database")
	method := flag.String("method", "GET", "request method (GET|POST|PUT|DELETE|HEAD|PATCH|OPTIONS)")
	path := flag.String("path", "/_api/version", "request path")
	bodyFile := flag.String("body-file", "", "file with the raw request body (optional)")
	metricsAddr := flag.String("metrics-addr", "", "expose Prometheus metrics on this address while running")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	comm, err := pool.NewCommunication(ctx, cfg, reg, logger)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer comm.Shutdown()

	m, err := parseMethod(*method)
	if err != nil {
		logger.Error("invalid method", "error", err)
		os.Exit(1)
	}

	req := driver.NewRequest(*database, m, *path)
	if *bodyFile != "" {
		body, err := os.ReadFile(*bodyFile)
		if err != nil {
			logger.Error("reading body file", "error", err)
			os.Exit(1)
		}
		req.Body = body
	}

	resp, err := comm.Execute(ctx, req)
	if err != nil {
		logger.Error("request failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("HTTP %d\n", resp.ResponseCode)
	for k, v := range resp.Meta {
		fmt.Printf("%s: %s\n", k, v)
	}
	if len(resp.Body) > 0 {
		if out, jerr := vpack.Slice(resp.Body).AppendJSON(nil); jerr == nil {
			fmt.Printf("%s\n", out)
		} else {
			fmt.Printf("(%d bytes of non-velocypack body)\n", len(resp.Body))
		}
	}
	if !resp.IsSuccess() {
		os.Exit(1)
	}
}

func parseMethod(s string) (driver.Method, error) {
	switch strings.ToUpper(s) {
	case "DELETE":
		return driver.MethodDelete, nil
	case "GET":
		return driver.MethodGet, nil
	case "POST":
		return driver.MethodPost, nil
	case "PUT":
		return driver.MethodPut, nil
	case "HEAD":
		return driver.MethodHead, nil
	case "PATCH":
		return driver.MethodPatch, nil
	case "OPTIONS":
		return driver.MethodOptions, nil
	default:
		return 0, fmt.Errorf("unknown method %q", s)
	}
}
