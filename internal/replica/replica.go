// Package replica wires the nine components (wire, oplog, statemachine,
// cluster, mesh, catchup, health, gateway, notify) plus the ambient
// metrics listener into one running process, the way ws/server.go
// wires its ConnectionPool, worker pool, and Kafka consumer together
// behind a single Server.
package replica

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/adred-codev/chatcluster/internal/catchup"
	"github.com/adred-codev/chatcluster/internal/cluster"
	"github.com/adred-codev/chatcluster/internal/config"
	"github.com/adred-codev/chatcluster/internal/gateway"
	"github.com/adred-codev/chatcluster/internal/health"
	"github.com/adred-codev/chatcluster/internal/logging"
	"github.com/adred-codev/chatcluster/internal/mesh"
	"github.com/adred-codev/chatcluster/internal/metrics"
	"github.com/adred-codev/chatcluster/internal/notify"
	"github.com/adred-codev/chatcluster/internal/oplog"
	"github.com/adred-codev/chatcluster/internal/statemachine"
	"github.com/adred-codev/chatcluster/internal/wire"
	"github.com/rs/zerolog"
)

// Replica owns every long-lived subsystem for one cluster member.
type Replica struct {
	name   string
	cfg    *config.Config
	topo   *cluster.Config
	logger zerolog.Logger

	log *oplog.Log
	sm  *statemachine.State

	mesh    *mesh.Mesh
	health  *health.Monitor
	gateway *gateway.Gateway
	notify  *notify.Dispatcher

	internalQueue chan wire.Op

	lastAccepted int64
	lastRejected int64
}

// New loads the durable log, replays it into a fresh state machine, and
// assembles (without starting) every subsystem for replica name.
func New(cfg *config.Config, topo *cluster.Config, logger zerolog.Logger) (*Replica, error) {
	name := cfg.ReplicaName
	if _, ok := topo.Replica(name); !ok {
		return nil, fmt.Errorf("replica: %q is not in the cluster table", name)
	}

	logPath := filepath.Join(cfg.LogDir, name+".log")
	l, err := oplog.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("replica: open durable log: %w", err)
	}

	sm := statemachine.New()
	for _, op := range l.Slice(0, l.Progress()) {
		sm.Apply(op)
	}

	internalQueue := make(chan wire.Op, 256)

	m, err := mesh.New(name, topo, logging.Component(logger, "mesh"), internalQueue, cfg.DialRetryDelay, cfg.MaxDialsPerSecond)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("replica: build mesh: %w", err)
	}

	hm := health.New(name, topo, logging.Component(logger, "health"), cfg.HealthProbeInterval, cfg.HealthProbeTimeout, internalQueue)

	self, _ := topo.Replica(name)
	// replMu is shared by the gateway and notify dispatchers so an
	// append-then-broadcast of one op can never interleave with
	// another's: every peer then observes important ops in exactly the
	// order they landed in this replica's own durable log.
	replMu := &sync.Mutex{}
	gw := gateway.New(self, logging.Component(logger, "gateway"), hm, m, sm, l, internalQueue, replMu)
	nd := notify.New(self, logging.Component(logger, "notify"), hm, m, sm, l, cfg.NotifDequeueTimeout, cfg.NotifPingDeadline, replMu)

	return &Replica{
		name:          name,
		cfg:           cfg,
		topo:          topo,
		logger:        logger,
		log:           l,
		sm:            sm,
		mesh:          m,
		health:        hm,
		gateway:       gw,
		notify:        nd,
		internalQueue: internalQueue,
	}, nil
}

// Run brings the replica up in the order the design requires: the
// mesh must finish every handshake before catch-up runs, and catch-up
// must finish before the mesh's steady-state consumers and the client
// gateway start accepting mutations. Blocks until ctx is cancelled.
func (r *Replica) Run(ctx context.Context) error {
	ownProgress := r.log.Progress()
	if err := r.mesh.Start(ctx, ownProgress); err != nil {
		return fmt.Errorf("replica: start mesh: %w", err)
	}

	select {
	case <-r.mesh.Ready():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		r.logger.Warn().Msg("mesh handshake did not complete within 30s, proceeding with whoever connected")
	}

	if err := catchup.Run(r.mesh, r.log, r.sm, logging.Component(r.logger, "catchup")); err != nil {
		r.logger.Error().Err(err).Msg("catch-up failed, continuing with whatever state was reconciled")
	}
	metrics.AddCatchupOpsApplied(r.log.Progress() - ownProgress)

	r.mesh.RunConsumers(ctx)

	errCh := make(chan error, 4)
	go func() { errCh <- r.health.ListenAndServe(ctx) }()
	go r.health.Run(ctx)
	go func() { errCh <- r.gateway.ListenAndServe(ctx) }()
	go r.gateway.Run(ctx)
	go func() { errCh <- r.notify.ListenAndServe(ctx) }()
	go func() { errCh <- metrics.ListenAndServe(ctx, r.cfg.MetricsAddr) }()

	go r.reportMetrics(ctx)

	select {
	case <-ctx.Done():
		r.log.Close()
		return ctx.Err()
	case err := <-errCh:
		r.log.Close()
		return err
	}
}

// reportMetrics periodically samples the replica's own state into the
// prometheus collectors; the subsystems themselves only expose plain
// Go getters, keeping internal/metrics the single place that knows
// about prometheus.
func (r *Replica) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetProgress(r.log.Progress())
			metrics.SetLivingSiblings(len(r.health.LivingSiblings()))
			metrics.SetIsPrimary(r.health.IsPrimary())
			metrics.SetNotifSubscribers(r.notify.SubscriberCount())

			accepted := r.gateway.AcceptedRequests()
			rejected := r.gateway.RejectedRequests()
			metrics.AddGatewayAccepted(accepted - r.lastAccepted)
			metrics.AddGatewayRejected(rejected - r.lastRejected)
			r.lastAccepted = accepted
			r.lastRejected = rejected
		}
	}
}
