// Package main is fluxus's broker daemon: it accepts agent control
// connections, authenticates and authorizes them, and proxies visitor
// traffic through to whichever agent bound the requested endpoint.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teris-io/shortid"

	"github.com/fluxusproxy/fluxus/internal/config"
	"github.com/fluxusproxy/fluxus/internal/hk"
	"github.com/fluxusproxy/fluxus/internal/metrics"
	"github.com/fluxusproxy/fluxus/internal/nlog"
	"github.com/fluxusproxy/fluxus/pubnet"
	"github.com/fluxusproxy/fluxus/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	configPath  string
	logDir      string
	metricsAddr string
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to a TOML configuration file")
	flag.StringVar(&logDir, "logdir", "", "directory for broker log files (empty logs to stderr)")
	flag.StringVar(&metricsAddr, "metrics-listen", "", "address to serve /metrics on (empty disables it)")
}

func main() {
	started := time.Now()
	flag.Parse()
	nlog.SetPre(logDir, "broker")
	go logFlush()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			nlog.Errorf("broker: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	sid, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		nlog.Errorf("broker: shortid: %v", err)
		os.Exit(1)
	}

	housekeeper := hk.New()
	go housekeeper.Run()
	housekeeper.WaitStarted()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if metricsAddr != "" {
		go serveDebug(metricsAddr, reg, m, cfg, started)
	}

	var httpRouter *pubnet.HTTPRouter
	if cfg.Server.HTTPListen != "" {
		httpRouter = pubnet.NewHTTPRouter()
		httpLn, err := net.Listen("tcp", cfg.Server.HTTPListen)
		if err != nil {
			nlog.Errorf("broker: http listen: %v", err)
			os.Exit(1)
		}
		nlog.Infof("broker: http visitor listener on %s", cfg.Server.HTTPListen)
		go func() {
			if err := httpRouter.Serve(httpLn); err != nil {
				nlog.Warningf("broker: http server: %v", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		nlog.Errorf("broker: listen: %v", err)
		os.Exit(1)
	}
	nlog.Infof("broker: control listener on %s", cfg.Server.Listen)

	sessions := newSessionSet()
	installSignalHandler(func() {
		ln.Close()
		sessions.shutdownAll()
		housekeeper.Stop()
		nlog.Flush()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			nlog.Infof("broker: accept: %v", err)
			return
		}
		name := sid.MustGenerate()
		b, err := session.NewBroker(conn, cfg, housekeeper, m, httpRouter, name)
		if err != nil {
			nlog.Warningf("broker: session %s: %v", name, err)
			conn.Close()
			continue
		}
		sessions.add(name, b)
		go func() {
			defer sessions.remove(name)
			b.Run()
		}()
	}
}

// sessionSet tracks every live Broker so a shutdown signal can cascade
// into each one instead of just killing the listener.
type sessionSet struct {
	mu sync.Mutex
	m  map[string]*session.Broker
}

func newSessionSet() *sessionSet {
	return &sessionSet{m: make(map[string]*session.Broker)}
}

func (s *sessionSet) add(name string, b *session.Broker) {
	s.mu.Lock()
	s.m[name] = b
	s.mu.Unlock()
}

func (s *sessionSet) remove(name string) {
	s.mu.Lock()
	delete(s.m, name)
	s.mu.Unlock()
}

func (s *sessionSet) shutdownAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.m {
		b.Shutdown()
	}
}

// status is what /status reports: the metrics Snapshot plus the bits an
// operator wants without parsing Prometheus text format (spec's
// supplemented per-direction traffic counters, item 2).
type status struct {
	Server  string           `json:"server"`
	Uptime  string           `json:"uptime"`
	Metrics metrics.Snapshot `json:"metrics"`
}

func serveDebug(addr string, reg *prometheus.Registry, m *metrics.Registry, cfg *config.Config, started time.Time) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st := status{Server: cfg.Server.Name, Uptime: time.Since(started).String(), Metrics: m.Snapshot()}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			nlog.Warningf("broker: encode /status: %v", err)
		}
	})
	nlog.Infof("broker: debug listener (/metrics, /status) on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		nlog.Warningf("broker: debug server: %v", err)
	}
}

func logFlush() {
	for {
		time.Sleep(time.Minute)
		nlog.Flush()
	}
}

func installSignalHandler(onShutdown func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-c
		nlog.Infof("broker: %v, shutting down", sig)
		onShutdown()
		os.Exit(0)
	}()
}
