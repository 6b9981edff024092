// Package metrics holds the Prometheus collectors shared by discovery,
// the sync server and the sync client.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LogEntriesTotal counts log entries by level.
	LogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipnotes_log_entries_total",
			Help: "Total number of log entries by level",
		},
		[]string{"level"},
	)

	// DiscoveredPeers tracks the size of the discovered peer set.
	DiscoveredPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clipnotes_discovered_peers",
			Help: "Number of peers currently in the discovered peer set",
		},
	)

	// DiscoveryEventsTotal counts applied discovery events by kind.
	DiscoveryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipnotes_discovery_events_total",
			Help: "Total discovery events applied, by kind",
		},
		[]string{"kind"},
	)

	// SelfFilteredTotal counts advertisements recognized as this device.
	SelfFilteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clipnotes_self_filtered_total",
			Help: "Total resolved advertisements discarded as the local device",
		},
	)

	// DiscoveryErrorsTotal counts failed discovery operations.
	DiscoveryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipnotes_discovery_errors_total",
			Help: "Total failed discovery operations, by operation",
		},
		[]string{"op"},
	)

	// ConnectionsTotal counts accepted inbound connections.
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clipnotes_server_connections_total",
			Help: "Total inbound sync connections accepted",
		},
	)

	// ConnectionErrorsTotal counts abandoned connections by side.
	ConnectionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipnotes_connection_errors_total",
			Help: "Total sync connections abandoned because of I/O failures",
		},
		[]string{"side"},
	)

	// TransferRepliesTotal counts transfer replies by side and reply token.
	TransferRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipnotes_transfer_replies_total",
			Help: "Total transfer replies, by side and reply",
		},
		[]string{"side", "reply"},
	)

	// DecisionWaitSeconds measures how long inbound transfers wait for the user.
	DecisionWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clipnotes_decision_wait_seconds",
			Help:    "Time spent waiting for an accept/reject decision",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)
)

// Serve exposes the default registry on addr until ctx is cancelled.
// An empty addr disables the endpoint.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics on %q: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
