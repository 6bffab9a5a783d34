// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pool mantém N conexões VST por host e roteia requests conforme a
// topologia do deployment: single server, active failover (descoberta de
// leader + refresh disparado por 503) ou cluster (coordinator aleatório).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nishisan-dev/n-vst/internal/driver"
)

// Topology define a forma do deployment para o roteamento.
type Topology string

const (
	TopologySingleServer   Topology = "single_server"
	TopologyActiveFailover Topology = "active_failover"
	TopologyCluster        Topology = "cluster"
)

// ParseTopology converte o valor de configuração numa Topology.
func ParseTopology(s string) (Topology, error) {
	switch Topology(s) {
	case TopologySingleServer, TopologyActiveFailover, TopologyCluster:
		return Topology(s), nil
	case "":
		return TopologySingleServer, nil
	default:
		return "", fmt.Errorf("pool: unknown topology %q", s)
	}
}

// errNoConnection indica que o roteamento não encontrou conexão utilizável.
var errNoConnection = errors.New("pool: no usable connection")

// leaderProbePath é o endpoint usado para descoberta de leader.
const leaderProbePath = "/_api/database/current"

// Config contém os parâmetros do pool.
type Config struct {
	Hosts              []driver.HostDescription // seed list
	ConnectionsPerHost int
	Topology           Topology
	Connection         driver.ConnectionConfig
	Auth               driver.Authentication
}

// ConnectionPool é o dono exclusivo das conexões: cada host do mapa carrega
// exatamente N conexões inicializadas com sucesso. O mapa e o leader são
// mutados apenas sob o lock; o roteamento trabalha sobre snapshots.
type ConnectionPool struct {
	cfg     Config
	fleet   *driver.Fleet
	metrics *driver.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	hosts  map[driver.HostDescription][]*driver.Connection
	leader *driver.HostDescription
	closed bool
}

// NewConnectionPool cria um pool vazio; nenhuma conexão é aberta até
// UpdateConnections.
func NewConnectionPool(cfg Config, fleet *driver.Fleet, metrics *driver.Metrics, logger *slog.Logger) *ConnectionPool {
	if cfg.ConnectionsPerHost <= 0 {
		cfg.ConnectionsPerHost = 1
	}
	if cfg.Topology == "" {
		cfg.Topology = TopologySingleServer
	}
	return &ConnectionPool{
		cfg:     cfg,
		fleet:   fleet,
		metrics: metrics,
		logger:  logger.With("component", "pool", "topology", string(cfg.Topology)),
		hosts:   make(map[driver.HostDescription][]*driver.Connection),
	}
}

// SeedHosts retorna a seed list configurada.
func (p *ConnectionPool) SeedHosts() []driver.HostDescription {
	return p.cfg.Hosts
}

// UpdateConnections reconcilia o mapa de conexões com a lista de hosts dada:
// hosts novos ganham N conexões criadas e inicializadas em paralelo (tudo ou
// nada por host — falha de inicialização remove o host de novo sem abortar os
// demais); hosts removidos têm suas conexões fechadas em paralelo. Em
// active failover, roda a descoberta de leader depois que o mapa estabiliza.
// Retorna erro apenas quando o update termina sem nenhum host utilizável.
func (p *ConnectionPool) UpdateConnections(ctx context.Context, hosts []driver.HostDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("pool: closed")
	}
	wanted := make(map[driver.HostDescription]bool, len(hosts))
	for _, h := range hosts {
		wanted[h] = true
	}
	var added []driver.HostDescription
	for h := range wanted {
		if _, ok := p.hosts[h]; !ok {
			added = append(added, h)
		}
	}
	var removed []driver.HostDescription
	for h := range p.hosts {
		if !wanted[h] {
			removed = append(removed, h)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	hostErrs := make([]error, len(added))
	for i, host := range added {
		wg.Add(1)
		go func(i int, host driver.HostDescription) {
			defer wg.Done()
			conns, err := p.openHost(ctx, host)
			if err != nil {
				hostErrs[i] = fmt.Errorf("host %s: %w", host, err)
				p.logger.Warn("host excluded from pool", "host", host.Addr(), "error", err)
				return
			}
			p.mu.Lock()
			p.hosts[host] = conns
			p.mu.Unlock()
		}(i, host)
	}
	wg.Wait()

	if len(removed) > 0 {
		var g errgroup.Group
		p.mu.Lock()
		for _, host := range removed {
			conns := p.hosts[host]
			delete(p.hosts, host)
			if p.leader != nil && *p.leader == host {
				p.leader = nil
			}
			for _, conn := range conns {
				g.Go(conn.Close)
			}
		}
		p.mu.Unlock()
		if err := g.Wait(); err != nil {
			p.logger.Warn("closing removed hosts", "error", err)
		}
	}

	if p.cfg.Topology == TopologyActiveFailover {
		p.findLeader(ctx)
	}

	p.mu.Lock()
	empty := len(p.hosts) == 0
	p.mu.Unlock()
	if empty && len(hosts) > 0 {
		return fmt.Errorf("pool: no host reachable: %w", errors.Join(hostErrs...))
	}
	return nil
}

// openHost cria e inicializa as N conexões de um host, em paralelo.
// Qualquer falha fecha o que já abriu e descarta o host.
func (p *ConnectionPool) openHost(ctx context.Context, host driver.HostDescription) ([]*driver.Connection, error) {
	conns := make([]*driver.Connection, p.cfg.ConnectionsPerHost)
	var g errgroup.Group
	for i := range conns {
		g.Go(func() error {
			conn := driver.NewConnection(host, p.cfg.Connection, p.cfg.Auth, p.fleet.Next(), p.metrics, p.logger)
			if err := conn.Initialize(ctx); err != nil {
				conn.Close()
				return err
			}
			conns[i] = conn
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
		return nil, err
	}
	return conns, nil
}

// Execute roteia o request conforme a topologia e o encaminha.
//
// Em active failover, o request vai para o leader corrente; uma resposta 503
// dispara a redescoberta de leader antes de devolver o 503 inalterado ao
// caller, e um erro de transporte no leader também redescobre antes de
// propagar o erro. Com leader desconhecido, sonda de novo antes de rotear.
// Sem host utilizável (mapa vazio, ou leader ainda desconhecido após a nova
// sondagem), falha com erro de transporte.
func (p *ConnectionPool) Execute(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	if p.cfg.Topology == TopologyActiveFailover {
		return p.executeOnLeader(ctx, req)
	}
	conn := p.randomConnection()
	if conn == nil {
		return nil, &driver.TransportError{Op: "route", Err: errNoConnection}
	}
	return conn.Execute(ctx, req)
}

func (p *ConnectionPool) executeOnLeader(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	conn := p.leaderConnection()
	if conn == nil {
		p.findLeader(ctx)
		if conn = p.leaderConnection(); conn == nil {
			return nil, &driver.TransportError{Op: "route", Err: errNoConnection}
		}
	}
	resp, err := conn.Execute(ctx, req)
	if err != nil {
		p.findLeader(ctx)
		return nil, err
	}
	if resp.ResponseCode == 503 {
		p.findLeader(ctx)
	}
	return resp, nil
}

// randomConnection devolve uma conexão aleatória de um host aleatório.
func (p *ConnectionPool) randomConnection() *driver.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.hosts) == 0 {
		return nil
	}
	keys := make([]driver.HostDescription, 0, len(p.hosts))
	for h := range p.hosts {
		keys = append(keys, h)
	}
	conns := p.hosts[keys[rand.IntN(len(keys))]]
	if len(conns) == 0 {
		return nil
	}
	return conns[rand.IntN(len(conns))]
}

// leaderConnection devolve uma conexão aleatória do leader corrente.
func (p *ConnectionPool) leaderConnection() *driver.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leader == nil {
		return nil
	}
	conns := p.hosts[*p.leader]
	if len(conns) == 0 {
		return nil
	}
	return conns[rand.IntN(len(conns))]
}

// Leader retorna o leader corrente (nil quando desconhecido).
func (p *ConnectionPool) Leader() *driver.HostDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leader
}

// findLeader sonda cada host do mapa com GET /_api/database/current na sua
// primeira conexão; o primeiro que não responder 503 vira o leader. Sem
// sucesso em nenhum, o leader fica indefinido.
func (p *ConnectionPool) findLeader(ctx context.Context) {
	p.mu.Lock()
	hosts := make([]driver.HostDescription, 0, len(p.hosts))
	firstConn := make(map[driver.HostDescription]*driver.Connection, len(p.hosts))
	for h, conns := range p.hosts {
		if len(conns) > 0 {
			hosts = append(hosts, h)
			firstConn[h] = conns[0]
		}
	}
	previous := p.leader
	p.mu.Unlock()

	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Addr() < hosts[j].Addr() })

	for _, host := range hosts {
		resp, err := firstConn[host].Execute(ctx, driver.NewRequest("_system", driver.MethodGet, leaderProbePath))
		if err != nil {
			p.logger.Debug("leader probe failed", "host", host.Addr(), "error", err)
			continue
		}
		if resp.ResponseCode == 503 {
			continue
		}
		p.mu.Lock()
		p.leader = &host
		p.mu.Unlock()
		if previous == nil || *previous != host {
			p.metrics.LeaderChanges.Inc()
			p.logger.Info("leader elected", "host", host.Addr())
		}
		return
	}

	p.mu.Lock()
	p.leader = nil
	p.mu.Unlock()
	p.logger.Warn("no leader found")
}

// RecycleExpired substitui conexões cuja sessão ultrapassou o TTL. A conexão
// nova só entra no lugar depois de inicializada; se a inicialização falhar, a
// antiga permanece (um erro nela dispara reconexão no próximo uso).
func (p *ConnectionPool) RecycleExpired(ctx context.Context) {
	p.mu.Lock()
	type slot struct {
		host driver.HostDescription
		idx  int
		old  *driver.Connection
	}
	var expired []slot
	for host, conns := range p.hosts {
		for i, conn := range conns {
			if conn.Expired() {
				expired = append(expired, slot{host: host, idx: i, old: conn})
			}
		}
	}
	p.mu.Unlock()

	for _, s := range expired {
		conn := driver.NewConnection(s.host, p.cfg.Connection, p.cfg.Auth, p.fleet.Next(), p.metrics, p.logger)
		if err := conn.Initialize(ctx); err != nil {
			conn.Close()
			p.logger.Warn("recycling expired connection failed", "host", s.host.Addr(), "error", err)
			continue
		}
		p.mu.Lock()
		conns, ok := p.hosts[s.host]
		if ok && s.idx < len(conns) && conns[s.idx] == s.old {
			conns[s.idx] = conn
			p.mu.Unlock()
			s.old.Close()
			p.logger.Info("connection recycled", "host", s.host.Addr())
		} else {
			p.mu.Unlock()
			conn.Close()
		}
	}
}

// Close fecha todas as conexões em paralelo e esvazia o mapa. O pool não é
// reutilizável depois.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	p.closed = true
	var all []*driver.Connection
	for _, conns := range p.hosts {
		all = append(all, conns...)
	}
	p.hosts = make(map[driver.HostDescription][]*driver.Connection)
	p.leader = nil
	p.mu.Unlock()

	var g errgroup.Group
	for _, conn := range all {
		g.Go(conn.Close)
	}
	return g.Wait()
}
