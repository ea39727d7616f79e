// Package metrics exposes the replica's prometheus surface on its own
// HTTP listener, separate from the four raw-TCP cluster ports. It is
// pure observability: spec.md's non-goals exclude authentication,
// Byzantine tolerance, dynamic membership, and strict linearizability,
// never metrics, so this is additive.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	progress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcluster_progress",
		Help: "Durable log progress (count of appended important ops) at this replica.",
	})
	livingSiblings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcluster_living_siblings",
		Help: "Count of peers currently believed reachable by the health monitor.",
	})
	isPrimary = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcluster_is_primary",
		Help: "1 if this replica currently considers itself primary, else 0.",
	})
	gatewayAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcluster_gateway_accepted_total",
		Help: "Client requests accepted and enqueued by the client gateway.",
	})
	gatewayRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcluster_gateway_rejected_total",
		Help: "Client requests rejected with not-primary by the client gateway.",
	})
	notifSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcluster_notif_subscribers",
		Help: "Count of currently registered NOTIF subscriptions.",
	})
	catchupOpsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcluster_catchup_ops_applied_total",
		Help: "Operations applied by the catch-up coordinator since boot.",
	})
	meshReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcluster_mesh_reconnects_total",
		Help: "INTERNAL dial attempts per outbound peer, including retries.",
	}, []string{"peer"})
)

func init() {
	prometheus.MustRegister(progress)
	prometheus.MustRegister(livingSiblings)
	prometheus.MustRegister(isPrimary)
	prometheus.MustRegister(gatewayAccepted)
	prometheus.MustRegister(gatewayRejected)
	prometheus.MustRegister(notifSubscribers)
	prometheus.MustRegister(catchupOpsApplied)
	prometheus.MustRegister(meshReconnects)
}

// SetProgress records the replica's current durable-log progress.
func SetProgress(v int) { progress.Set(float64(v)) }

// SetLivingSiblings records the current living-siblings count.
func SetLivingSiblings(v int) { livingSiblings.Set(float64(v)) }

// SetIsPrimary records the current primary/backup role.
func SetIsPrimary(v bool) {
	if v {
		isPrimary.Set(1)
	} else {
		isPrimary.Set(0)
	}
}

// AddGatewayAccepted adds n accepted requests; used when the gateway's
// own lifetime counter is sampled periodically instead of hooked
// per-request.
func AddGatewayAccepted(n int64) { gatewayAccepted.Add(float64(n)) }

// AddGatewayRejected adds n rejected requests, the rejected-counter
// counterpart to AddGatewayAccepted.
func AddGatewayRejected(n int64) { gatewayRejected.Add(float64(n)) }

// SetNotifSubscribers records the current subscriber count.
func SetNotifSubscribers(v int) { notifSubscribers.Set(float64(v)) }

// AddCatchupOpsApplied adds n to the catch-up applied-ops counter.
func AddCatchupOpsApplied(n int) { catchupOpsApplied.Add(float64(n)) }

// IncMeshReconnect records one dial attempt toward peer.
func IncMeshReconnect(peer string) { meshReconnects.WithLabelValues(peer).Inc() }

// ListenAndServe runs the metrics-only HTTP listener on addr until ctx
// is cancelled.
func ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: serve %s: %w", addr, err)
		}
		return nil
	}
}
