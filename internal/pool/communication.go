// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/n-vst/internal/config"
	"github.com/nishisan-dev/n-vst/internal/driver"
	"github.com/nishisan-dev/n-vst/internal/pki"
	"github.com/nishisan-dev/n-vst/internal/vpack"
)

// Communication é a fachada do driver: resolve a lista inicial de hosts,
// constrói a frota de executors, o método de autenticação e o pool, e expõe
// Execute. Um rate limiter opcional modera a taxa de requests do processo.
type Communication struct {
	pool        *ConnectionPool
	fleet       *driver.Fleet
	maintenance *Maintenance
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewCommunication monta o driver a partir da configuração e abre as
// conexões iniciais. Com todos os hosts da seed list inacessíveis, falha;
// hosts individualmente inacessíveis são apenas logados (com
// maintenance.schedule configurado, a manutenção periódica tenta
// recuperá-los; sem ele, ficam fora do pool).
func NewCommunication(ctx context.Context, cfg *config.ClientConfig, reg prometheus.Registerer, logger *slog.Logger) (*Communication, error) {
	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		var err error
		tlsCfg, err = pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey, cfg.TLS.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("configuring TLS: %w", err)
		}
	}

	auth, err := buildAuthentication(cfg)
	if err != nil {
		return nil, err
	}

	topology, err := ParseTopology(cfg.Topology)
	if err != nil {
		return nil, err
	}

	hosts := make([]driver.HostDescription, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts = append(hosts, driver.HostDescription{Host: h.Host, Port: h.Port})
	}

	fleet := driver.NewFleet(cfg.Executors)
	metrics := driver.NewMetrics(reg)
	p := NewConnectionPool(Config{
		Hosts:              hosts,
		ConnectionsPerHost: cfg.ConnectionsPerHost,
		Topology:           topology,
		Auth:               auth,
		Connection: driver.ConnectionConfig{
			Timeout:   cfg.Timeout,
			ChunkSize: cfg.ChunkSize,
			TTL:       cfg.ConnectionTTL,
			TLS:       tlsCfg,
		},
	}, fleet, metrics, logger)

	if err := p.UpdateConnections(ctx, hosts); err != nil {
		p.Close()
		fleet.Close()
		return nil, fmt.Errorf("opening initial connections: %w", err)
	}

	comm := &Communication{
		pool:   p,
		fleet:  fleet,
		logger: logger.With("component", "communication"),
	}

	if cfg.Maintenance.Schedule != "" {
		m, err := NewMaintenance(p, cfg.Maintenance.Schedule, logger)
		if err != nil {
			comm.Shutdown()
			return nil, err
		}
		m.Start()
		comm.maintenance = m
	}

	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		comm.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}

	return comm, nil
}

// buildAuthentication traduz a configuração num método de autenticação.
func buildAuthentication(cfg *config.ClientConfig) (driver.Authentication, error) {
	switch cfg.Auth.Method {
	case "", config.AuthNone:
		return nil, nil
	case config.AuthBasic:
		return &driver.BasicAuth{User: cfg.Auth.User, Password: cfg.Auth.Password}, nil
	case config.AuthJWT:
		return driver.NewJWTAuth(cfg.Auth.Token)
	default:
		return nil, fmt.Errorf("pool: unknown auth method %q", cfg.Auth.Method)
	}
}

// Execute delega ao pool, passando antes pelo rate limiter quando configurado.
func (c *Communication) Execute(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return c.pool.Execute(ctx, req)
}

// ServerVersion busca GET /_api/version e extrai o campo "version" do body.
func (c *Communication) ServerVersion(ctx context.Context) (string, error) {
	resp, err := c.Execute(ctx, driver.NewRequest("_system", driver.MethodGet, "/_api/version"))
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("pool: version request returned %d", resp.ResponseCode)
	}
	field, err := vpack.Slice(resp.Body).Get("version")
	if err != nil {
		return "", fmt.Errorf("pool: version field missing in response: %w", err)
	}
	version, err := field.GetString()
	if err != nil {
		return "", fmt.Errorf("pool: decoding version field: %w", err)
	}
	return version, nil
}

// Pool expõe o pool subjacente (inspeção e testes).
func (c *Communication) Pool() *ConnectionPool { return c.pool }

// Shutdown fecha o pool (e com ele todas as conexões) e encerra a frota.
func (c *Communication) Shutdown() error {
	if c.maintenance != nil {
		c.maintenance.Stop()
		c.maintenance = nil
	}
	err := c.pool.Close()
	c.fleet.Close()
	return err
}
