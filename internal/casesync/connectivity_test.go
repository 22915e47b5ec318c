package casesync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestConnectivityFlagNotifiesOnTransitionOnly(t *testing.T) {
	flag := NewConnectivityFlag(false)
	var transitions []bool
	flag.OnChange(func(online bool) {
		transitions = append(transitions, online)
	})

	flag.Set(false)
	flag.Set(true)
	flag.Set(true)
	flag.Set(false)

	if len(transitions) != 2 || transitions[0] != true || transitions[1] != false {
		t.Fatalf("unexpected transitions %v", transitions)
	}
	if flag.Online() {
		t.Fatalf("expected flag to end offline")
	}
}

func TestHealthMonitorProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	monitor := NewHealthMonitor(HealthMonitorConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	if !monitor.Probe(context.Background()) || !monitor.Flag().Online() {
		t.Fatalf("expected healthy server to be online")
	}

	healthy.Store(false)
	if monitor.Probe(context.Background()) || monitor.Flag().Online() {
		t.Fatalf("expected unhealthy server to be offline")
	}
}

func TestHealthMonitorUnreachableServerIsOffline(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	flag := NewConnectivityFlag(true)
	monitor := NewHealthMonitor(HealthMonitorConfig{BaseURL: baseURL, Flag: flag})
	if monitor.Probe(context.Background()) {
		t.Fatalf("expected probe against closed server to fail")
	}
	if flag.Online() {
		t.Fatalf("expected shared flag to be cleared")
	}
}
