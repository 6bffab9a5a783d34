// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// maintenanceTimeout limita cada rodada de manutenção.
const maintenanceTimeout = 30 * time.Second

// Maintenance roda rodadas periódicas de manutenção do pool num cron job:
// reconcilia o mapa com a seed list (recuperando hosts que falharam no
// bootstrap), recicla conexões com TTL estourado e, em active failover,
// re-sonda o leader.
type Maintenance struct {
	pool   *ConnectionPool
	cron   *cron.Cron
	logger *slog.Logger
}

// NewMaintenance cria o job com a cron expression dada (suporta "@every 5m").
func NewMaintenance(pool *ConnectionPool, schedule string, logger *slog.Logger) (*Maintenance, error) {
	m := &Maintenance{
		pool:   pool,
		logger: logger.With("component", "maintenance"),
	}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, m.run); err != nil {
		return nil, fmt.Errorf("pool: invalid maintenance schedule %q: %w", schedule, err)
	}
	m.cron = c
	return m, nil
}

// Start agenda as rodadas.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info("maintenance started")
}

// Stop cancela o agendamento e aguarda uma rodada em andamento terminar.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Maintenance) run() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	if err := m.pool.UpdateConnections(ctx, m.pool.SeedHosts()); err != nil {
		m.logger.Warn("maintenance update failed", "error", err)
	}
	m.pool.RecycleExpired(ctx)
	if m.pool.cfg.Topology == TopologyActiveFailover {
		m.pool.findLeader(ctx)
	}
}
