// internal/network/faultproxy/proxy.go

// Package faultproxy runs a local forward proxy that injects failing or slow responses for
// requests matching configured rules. Browsers are pointed at it with --proxy-server so a
// scenario can exercise the application's error paths against a live backend.
package faultproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/config"
)

const shutdownTimeout = 15 * time.Second

// Proxy is a goproxy server applying fault rules. Rules can be replaced while it runs.
type Proxy struct {
	proxy  *goproxy.ProxyHttpServer
	cfg    config.FaultProxyConfig
	logger *zap.Logger

	rulesMu sync.RWMutex
	rules   []config.FaultRule

	injected atomic.Int64
	delayed  atomic.Int64

	serverMu sync.Mutex
	server   *http.Server
	addr     string
	done     chan struct{}
}

// New creates a proxy for cfg. It does not listen until Start.
func New(cfg config.FaultProxyConfig, ignoreTLSErrors bool, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	gp := goproxy.NewProxyHttpServer()
	gp.Tr = &http.Transport{
		Proxy:                 nil,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: ignoreTLSErrors},
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}

	p := &Proxy{
		proxy:  gp,
		cfg:    cfg,
		logger: logger.Named("fault_proxy"),
		rules:  append([]config.FaultRule(nil), cfg.Faults...),
	}
	p.setupHandlers()
	return p
}

func (p *Proxy) setupHandlers() {
	if p.cfg.MITM {
		p.proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)
	}
	p.proxy.OnRequest().DoFunc(p.handleRequest)
}

// SetRules replaces the active rules.
func (p *Proxy) SetRules(rules []config.FaultRule) {
	p.rulesMu.Lock()
	defer p.rulesMu.Unlock()
	p.rules = append([]config.FaultRule(nil), rules...)
}

// Rules returns a copy of the active rules.
func (p *Proxy) Rules() []config.FaultRule {
	p.rulesMu.RLock()
	defer p.rulesMu.RUnlock()
	return append([]config.FaultRule(nil), p.rules...)
}

// Injected counts responses replaced by a rule. Delayed counts requests held back.
func (p *Proxy) Injected() int64 { return p.injected.Load() }
func (p *Proxy) Delayed() int64  { return p.delayed.Load() }

// match returns the first rule applying to r.
func (p *Proxy) match(r *http.Request) (config.FaultRule, bool) {
	u := r.URL.String()
	p.rulesMu.RLock()
	defer p.rulesMu.RUnlock()
	for _, rule := range p.rules {
		if !strings.Contains(u, rule.URLContains) {
			continue
		}
		if rule.Method != "" && !strings.EqualFold(rule.Method, r.Method) {
			continue
		}
		return rule, true
	}
	return config.FaultRule{}, false
}

func (p *Proxy) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	rule, ok := p.match(r)
	if !ok {
		return r, nil
	}
	log := p.logger.With(zap.String("method", r.Method), zap.String("url", r.URL.String()), zap.String("rule", rule.URLContains))

	if rule.Delay > 0 {
		p.delayed.Add(1)
		t := time.NewTimer(rule.Delay)
		select {
		case <-t.C:
		case <-r.Context().Done():
			t.Stop()
			log.Debug("Client went away during injected delay.")
			return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusGatewayTimeout, "request cancelled during injected delay")
		}
		log.Debug("Injected delay.", zap.Duration("delay", rule.Delay))
	}
	if rule.Status == 0 {
		return r, nil
	}

	p.injected.Add(1)
	log.Info("Injected fault response.", zap.Int("status", rule.Status))
	resp := goproxy.NewResponse(r, contentType(rule.Body), rule.Status, rule.Body)
	resp.Header.Set("X-Tether-Fault", rule.URLContains)
	return r, resp
}

func contentType(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return goproxy.ContentTypeText
}

// Start listens on the configured address and serves until ctx ends or Close is called.
// It returns the proxy URL to hand to the browser.
func (p *Proxy) Start(ctx context.Context) (string, error) {
	p.serverMu.Lock()
	defer p.serverMu.Unlock()
	if p.server != nil {
		return "", errors.New("fault proxy already started")
	}

	addr := p.cfg.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      p.proxy,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     zap.NewStdLog(p.logger.Named("http_server")),
	}
	p.server = server
	p.addr = ln.Addr().String()
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("Fault proxy stopped with an error.", zap.Error(err))
		}
	}(p.done)
	go func(done chan struct{}) {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		case <-done:
		}
	}(p.done)

	p.logger.Info("Fault proxy listening.", zap.String("address", p.addr), zap.Int("rules", len(p.Rules())), zap.Bool("mitm", p.cfg.MITM))
	return "http://" + p.addr, nil
}

// URL returns the proxy URL, or "" before Start.
func (p *Proxy) URL() string {
	p.serverMu.Lock()
	defer p.serverMu.Unlock()
	if p.addr == "" {
		return ""
	}
	return "http://" + p.addr
}

// Close shuts the server down and waits for it to stop.
func (p *Proxy) Close(ctx context.Context) error {
	p.serverMu.Lock()
	server, done := p.server, p.done
	p.server, p.addr, p.done = nil, "", nil
	p.serverMu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	<-done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to shut down fault proxy: %w", err)
	}
	p.logger.Info("Fault proxy stopped.", zap.Int64("injected", p.Injected()), zap.Int64("delayed", p.Delayed()))
	return nil
}

// RulesFromSuite converts suite fault declarations.
func RulesFromSuite(faults []schemas.Fault) []config.FaultRule {
	out := make([]config.FaultRule, 0, len(faults))
	for _, f := range faults {
		out = append(out, config.FaultRule{
			URLContains: f.URLContains,
			Method:      f.Method,
			Status:      f.Status,
			Delay:       f.Delay,
			Body:        f.Body,
		})
	}
	return out
}
