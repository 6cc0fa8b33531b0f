// internal/network/faultproxy/proxy_test.go
package faultproxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/config"
)

func setupUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "upstream "+r.Method)
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

// setupTestProxy starts a proxy and returns a client routed through it.
func setupTestProxy(t *testing.T, rules ...config.FaultRule) (*Proxy, *http.Client) {
	t.Helper()
	p := New(config.FaultProxyConfig{ListenAddr: "127.0.0.1:0", Faults: rules}, false, zaptest.NewLogger(t))
	proxyURL, err := p.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, p.Close(context.Background()))
	})

	u, err := url.Parse(proxyURL)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(u), DisableKeepAlives: true},
		Timeout:   5 * time.Second,
	}
	return p, client
}

func do(t *testing.T, client *http.Client, method, target string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestProxy_InjectsStatus(t *testing.T) {
	upstream := setupUpstream(t)
	p, client := setupTestProxy(t, config.FaultRule{
		URLContains: "/api/person/",
		Method:      "delete",
		Status:      http.StatusInternalServerError,
		Body:        `{"error":"boom"}`,
	})

	resp, body := do(t, client, http.MethodDelete, upstream.URL+"/api/person/7")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, `{"error":"boom"}`, body)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "/api/person/", resp.Header.Get("X-Tether-Fault"))

	resp, body = do(t, client, http.MethodGet, upstream.URL+"/api/person/7")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "method must match too")
	assert.Equal(t, "upstream GET", body)

	assert.EqualValues(t, 1, p.Injected())
	assert.Zero(t, p.Delayed())
}

func TestProxy_DelayPassesThrough(t *testing.T) {
	upstream := setupUpstream(t)
	p, client := setupTestProxy(t, config.FaultRule{URLContains: "/slow", Delay: 150 * time.Millisecond})

	start := time.Now()
	resp, body := do(t, client, http.MethodGet, upstream.URL+"/slow")
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream GET", body)
	assert.EqualValues(t, 1, p.Delayed())
	assert.Zero(t, p.Injected())
}

func TestProxy_SetRules(t *testing.T) {
	upstream := setupUpstream(t)
	p, client := setupTestProxy(t)

	resp, _ := do(t, client, http.MethodGet, upstream.URL+"/kinds")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	p.SetRules(RulesFromSuite([]schemas.Fault{{URLContains: "/kinds", Status: http.StatusServiceUnavailable, Body: "down"}}))
	resp, body := do(t, client, http.MethodGet, upstream.URL+"/kinds")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "down", body)
	require.Len(t, p.Rules(), 1)
}

func TestProxy_Lifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(config.FaultProxyConfig{}, false, nil)
	assert.Empty(t, p.URL())
	assert.NoError(t, p.Close(context.Background()), "closing an unstarted proxy is a no-op")

	u, err := p.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, u, p.URL())

	_, err = p.Start(ctx)
	assert.Error(t, err, "a running proxy cannot be started twice")

	cancel()
	require.Eventually(t, func() bool {
		_, err := http.Get(u)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "cancelling the start context stops the listener")
	assert.NoError(t, p.Close(context.Background()))
}

func TestRulesFromSuite(t *testing.T) {
	rules := RulesFromSuite([]schemas.Fault{
		{URLContains: "/a", Method: "POST", Status: 500, Delay: time.Second, Body: "x"},
	})
	assert.Equal(t, []config.FaultRule{{URLContains: "/a", Method: "POST", Status: 500, Delay: time.Second, Body: "x"}}, rules)
	assert.NoError(t, rules[0].Validate())
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType(` [1,2]`))
	assert.Equal(t, "text/plain", contentType("oops"))
}
