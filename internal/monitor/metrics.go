// Package monitor exposes the application metrics.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chaincrunch/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all the application metrics.
var Registry = prometheus.NewRegistry()

var (
	// BlocksScanned counts blocks whose logs have been pulled.
	BlocksScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chaincrunch_blocks_scanned_total",
		Help: "Total number of blocks scanned for log records",
	})
	// TransfersCollected counts decoded ERC20 transfers, partitioned by token symbol.
	TransfersCollected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaincrunch_transfers_total",
		Help: "Total number of ERC20 transfers collected",
	}, []string{"token"})
	// HeadBlock tracks the last known chain head.
	HeadBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chaincrunch_head_block",
		Help: "Last known head block number",
	})
	// RPCErrors counts failed node calls, partitioned by operation.
	RPCErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaincrunch_rpc_errors_total",
		Help: "Total number of failed RPC calls",
	}, []string{"op"})
	// SupervisorOutcomes counts supervised race outcomes.
	SupervisorOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chaincrunch_supervisor_outcomes_total",
		Help: "Total number of supervised task outcomes",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(BlocksScanned, TransfersCollected, HeadBlock, RPCErrors, SupervisorOutcomes)
}

// Handler provides the HTTP handler exposing the registry.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	return mux
}

// Serve runs the metrics HTTP server until the context is done.
func Serve(ctx context.Context, addr string) error {
	log := logger.Component("monitor")
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("metrics server starting")
		failed <- srv.ListenAndServe()
	}()

	select {
	case err := <-failed:
		log.WithError(err).Error("metrics server failed")
		return err
	case <-ctx.Done():
	}

	sc, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sc); err != nil {
		return err
	}

	if err := <-failed; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("metrics server stopped")
	return nil
}
