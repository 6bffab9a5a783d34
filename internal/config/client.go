// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do client N-VST.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Métodos de autenticação aceitos.
const (
	AuthNone  = "none"
	AuthBasic = "basic"
	AuthJWT   = "jwt"
)

// Defaults aplicados quando a configuração omite o campo.
const (
	DefaultPort      = 8529
	DefaultTimeout   = 30 * time.Second
	DefaultChunkSize = 30000
)

// minChunkSize: um chunk precisa comportar mais que o próprio header (24B).
const minChunkSize = 25

// ClientConfig representa a configuração completa do client.
type ClientConfig struct {
	Hosts              []HostEntry     `yaml:"hosts"`
	Topology           string          `yaml:"topology"` // single_server | active_failover | cluster
	ConnectionsPerHost int             `yaml:"connections_per_host"`
	Auth               AuthInfo        `yaml:"auth"`
	Timeout            time.Duration   `yaml:"timeout"`
	ChunkSize          int             `yaml:"chunk_size"`
	ConnectionTTL      time.Duration   `yaml:"connection_ttl"`
	TLS                TLSClient       `yaml:"tls"`
	Executors          int             `yaml:"executors"` // 0 = número de CPUs
	Maintenance        MaintenanceInfo `yaml:"maintenance"`
	RateLimit          RateLimitInfo   `yaml:"rate_limit"`
	Logging            LoggingInfo     `yaml:"logging"`
}

// HostEntry é um endpoint do deployment.
type HostEntry struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthInfo seleciona o método de autenticação VST.
type AuthInfo struct {
	Method   string `yaml:"method"` // none | basic | jwt
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// TLSClient contém os caminhos dos certificados do client.
// ClientCert/ClientKey são opcionais (mTLS só quando o server exige).
type TLSClient struct {
	Enabled            bool   `yaml:"enabled"`
	CACert             string `yaml:"ca_cert"`
	ClientCert         string `yaml:"client_cert"`
	ClientKey          string `yaml:"client_key"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// MaintenanceInfo contém a cron expression das rodadas de manutenção do pool.
type MaintenanceInfo struct {
	Schedule string `yaml:"schedule"` // ex: "@every 1m"; vazio desabilita
}

// RateLimitInfo contém o throttle opcional de requests do processo.
type RateLimitInfo struct {
	RPS   float64 `yaml:"rps"` // 0 desabilita
	Burst int     `yaml:"burst"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LoadClientConfig lê e valida o arquivo YAML de configuração.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) applyDefaults() {
	for i := range c.Hosts {
		if c.Hosts[i].Port == 0 {
			c.Hosts[i].Port = DefaultPort
		}
	}
	if c.ConnectionsPerHost == 0 {
		c.ConnectionsPerHost = 1
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Auth.Method == "" {
		c.Auth.Method = AuthNone
	}
	if c.Topology == "" {
		c.Topology = "single_server"
	}
}

func (c *ClientConfig) validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("hosts is required")
	}
	for i, h := range c.Hosts {
		if h.Host == "" {
			return fmt.Errorf("hosts[%d].host is required", i)
		}
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("hosts[%d].port %d out of range", i, h.Port)
		}
	}
	switch c.Topology {
	case "single_server", "active_failover", "cluster":
	default:
		return fmt.Errorf("unknown topology %q", c.Topology)
	}
	if c.ConnectionsPerHost < 1 {
		return fmt.Errorf("connections_per_host must be >= 1")
	}
	if c.ChunkSize < minChunkSize {
		return fmt.Errorf("chunk_size must be >= %d", minChunkSize)
	}
	switch c.Auth.Method {
	case AuthNone:
	case AuthBasic:
		if c.Auth.User == "" {
			return fmt.Errorf("auth.user is required for basic auth")
		}
	case AuthJWT:
		if c.Auth.Token == "" {
			return fmt.Errorf("auth.token is required for jwt auth")
		}
	default:
		return fmt.Errorf("unknown auth.method %q", c.Auth.Method)
	}
	if c.TLS.Enabled && c.TLS.CACert == "" && !c.TLS.InsecureSkipVerify {
		return fmt.Errorf("tls.ca_cert is required when tls is enabled")
	}
	if (c.TLS.ClientCert == "") != (c.TLS.ClientKey == "") {
		return fmt.Errorf("tls.client_cert and tls.client_key must be set together")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps must be >= 0")
	}
	if c.Executors < 0 {
		return fmt.Errorf("executors must be >= 0")
	}
	return nil
}
