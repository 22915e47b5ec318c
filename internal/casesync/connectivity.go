package casesync

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHealthInterval = 15 * time.Second
	defaultHealthTimeout  = 5 * time.Second
	healthPath            = "/healthz"
)

// Connectivity reports whether the remote side is believed reachable.
type Connectivity interface {
	Online() bool
}

// ConnectivityFlag is a settable Connectivity. Listeners registered with
// OnChange are invoked on every transition.
type ConnectivityFlag struct {
	online    atomic.Bool
	mu        sync.Mutex
	listeners []func(online bool)
}

// NewConnectivityFlag returns a flag with the given initial value.
func NewConnectivityFlag(online bool) *ConnectivityFlag {
	flag := &ConnectivityFlag{}
	flag.online.Store(online)
	return flag
}

// Online implements Connectivity.
func (f *ConnectivityFlag) Online() bool {
	return f.online.Load()
}

// Set updates the flag and notifies listeners when the value changes.
func (f *ConnectivityFlag) Set(online bool) {
	if f.online.Swap(online) == online {
		return
	}
	f.mu.Lock()
	listeners := append([]func(bool){}, f.listeners...)
	f.mu.Unlock()
	for _, listener := range listeners {
		listener(online)
	}
}

// OnChange registers a transition listener.
func (f *ConnectivityFlag) OnChange(listener func(online bool)) {
	if listener == nil {
		return
	}
	f.mu.Lock()
	f.listeners = append(f.listeners, listener)
	f.mu.Unlock()
}

// HealthMonitorConfig configures HealthMonitor.
type HealthMonitorConfig struct {
	BaseURL    string
	Flag       *ConnectivityFlag
	HTTPClient *http.Client
	Interval   time.Duration
	Logger     *zap.Logger
}

// HealthMonitor polls the remote health endpoint and drives a ConnectivityFlag.
type HealthMonitor struct {
	url      string
	flag     *ConnectivityFlag
	client   *http.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthMonitor constructs a HealthMonitor.
func NewHealthMonitor(cfg HealthMonitorConfig) *HealthMonitor {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHealthTimeout}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	flag := cfg.Flag
	if flag == nil {
		flag = NewConnectivityFlag(false)
	}
	return &HealthMonitor{
		url:      strings.TrimRight(cfg.BaseURL, "/") + healthPath,
		flag:     flag,
		client:   client,
		interval: interval,
		logger:   logger,
	}
}

// Flag returns the flag driven by the monitor.
func (m *HealthMonitor) Flag() *ConnectivityFlag {
	return m.flag
}

// Probe performs one health check and updates the flag.
func (m *HealthMonitor) Probe(ctx context.Context) bool {
	online := m.check(ctx)
	if online != m.flag.Online() {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	m.flag.Set(online)
	return online
}

// Run probes until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *HealthMonitor) check(ctx context.Context) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, http.NoBody)
	if err != nil {
		return false
	}
	response, err := m.client.Do(request)
	if err != nil {
		m.logger.Debug("health probe failed", zap.Error(err))
		return false
	}
	_ = response.Body.Close()
	return response.StatusCode == http.StatusOK
}
