package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"forkevo/internal/metrics"
)

// MetricsServer serves the Prometheus endpoint as a supervised support
// module; a listener that dies is restarted with backoff.
type MetricsServer struct {
	addr       string
	collector  *metrics.Collector
	logger     *slog.Logger
	supervisor *Supervisor

	mu        sync.Mutex
	boundAddr string
}

func NewMetricsServer(addr string, collector *metrics.Collector, logger *slog.Logger) *MetricsServer {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MetricsServer{
		addr:      addr,
		collector: collector,
		logger:    logger,
	}
	m.supervisor = NewSupervisor(SupervisorPolicy{MaxRestarts: 5}, SupervisorHooks{
		OnTaskRestart: func(name string, err error, restarts int) {
			logger.Warn("support task restarting", "task", name, "error", err, "restarts", restarts)
		},
		OnTaskPermanentFailure: func(name string, err error, restarts int) {
			logger.Error("support task failed", "task", name, "error", err, "restarts", restarts)
		},
	})
	return m
}

func (m *MetricsServer) Name() string {
	return "metrics"
}

// Start binds the listener synchronously so address errors surface here,
// then hands serving to the supervisor.
func (m *MetricsServer) Start(ctx context.Context) error {
	if m.collector == nil {
		return fmt.Errorf("metrics collector is required")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.collector.Handler())

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.addr, err)
	}
	m.logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	m.mu.Lock()
	m.boundAddr = ln.Addr().String()
	m.mu.Unlock()

	first := ln
	return m.supervisor.Start(m.Name(), func(taskCtx context.Context) error {
		listener := first
		first = nil
		if listener == nil {
			var err error
			listener, err = lc.Listen(taskCtx, "tcp", m.addr)
			if err != nil {
				return err
			}
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-taskCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// Addr reports the bound address once Start has succeeded.
func (m *MetricsServer) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boundAddr
}

func (m *MetricsServer) Stop(context.Context) error {
	m.supervisor.StopAll()
	return nil
}
