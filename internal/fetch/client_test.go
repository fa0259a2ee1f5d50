package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixvault/pixvault/internal/config"
	"github.com/pixvault/pixvault/internal/proxy"
)

const targetURL = "http://images.example.com/cat.jpg"

func testConfig() Config {
	return Config{
		MaxBytes:       1 << 20,
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		FallbackDirect: true,
		UserAgent:      "pixvault-test/1.0",
	}
}

func newTestRegistry(t *testing.T, pools map[string][]string) *proxy.Registry {
	t.Helper()
	return proxy.NewRegistry(config.ProxyConfig{Pools: pools}, zap.NewNop())
}

// mockEgress routes each proxy endpoint (and the direct connection) to its
// own httpmock transport so tests can fail one egress and not another.
type mockEgress struct {
	direct  *httpmock.MockTransport
	byProxy map[string]*httpmock.MockTransport
}

func newMockEgress(proxies ...string) *mockEgress {
	m := &mockEgress{
		direct:  httpmock.NewMockTransport(),
		byProxy: make(map[string]*httpmock.MockTransport),
	}
	for _, p := range proxies {
		m.byProxy[p] = httpmock.NewMockTransport()
	}
	return m
}

func (m *mockEgress) factory(proxyURL *url.URL) http.RoundTripper {
	if proxyURL == nil {
		return m.direct
	}
	if t, ok := m.byProxy[proxyURL.String()]; ok {
		return t
	}
	return httpmock.NewMockTransport()
}

func TestFetchDirectSuccess(t *testing.T) {
	t.Parallel()

	egress := newMockEgress()
	egress.direct.RegisterResponder(http.MethodGet, targetURL,
		httpmock.NewBytesResponder(http.StatusOK, []byte("image-bytes")))

	c := NewClient(testConfig(), newTestRegistry(t, nil), proxy.NewHealthTable(3, time.Minute), zap.NewNop())
	c.newTransport = egress.factory

	data, err := c.Fetch(context.Background(), targetURL, "")
	require.NoError(t, err)
	require.Equal(t, []byte("image-bytes"), data)
	require.Equal(t, 1, egress.direct.GetTotalCallCount(), "success is not retried")
}

func TestFetchRetriesWithFreshProxy(t *testing.T) {
	t.Parallel()

	const proxyA = "http://proxy-a:3128"
	const proxyB = "http://proxy-b:3128"
	egress := newMockEgress(proxyA, proxyB)
	egress.byProxy[proxyA].RegisterResponder(http.MethodGet, targetURL,
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream sad"))
	egress.byProxy[proxyB].RegisterResponder(http.MethodGet, targetURL,
		httpmock.NewBytesResponder(http.StatusOK, []byte("via-b")))

	health := proxy.NewHealthTable(5, time.Minute)
	c := NewClient(testConfig(), newTestRegistry(t, map[string][]string{"eu": {proxyA, proxyB}}), health, zap.NewNop())
	c.newTransport = egress.factory

	data, err := c.Fetch(context.Background(), targetURL, "eu")
	require.NoError(t, err)
	require.Equal(t, []byte("via-b"), data)
	require.Equal(t, 1, egress.byProxy[proxyA].GetTotalCallCount())
	require.Equal(t, 1, egress.byProxy[proxyB].GetTotalCallCount())
}

func TestFetchAbortsOnDeclaredLength(t *testing.T) {
	t.Parallel()

	egress := newMockEgress()
	egress.direct.RegisterResponder(http.MethodGet, targetURL,
		func(_ *http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusOK, "tiny")
			resp.ContentLength = 1 << 30
			return resp, nil
		})

	cfg := testConfig()
	cfg.MaxRetries = 0
	c := NewClient(cfg, newTestRegistry(t, nil), proxy.NewHealthTable(3, time.Minute), zap.NewNop())
	c.newTransport = egress.factory

	_, err := c.Fetch(context.Background(), targetURL, "")
	require.ErrorIs(t, err, ErrFetchFailed)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchAbortsOnStreamedOverflow(t *testing.T) {
	t.Parallel()

	// No Content-Length: the streamed running total must still catch it.
	big := make([]byte, 2048)
	egress := newMockEgress()
	egress.direct.RegisterResponder(http.MethodGet, targetURL,
		httpmock.NewBytesResponder(http.StatusOK, big))

	cfg := testConfig()
	cfg.MaxBytes = 1024
	cfg.MaxRetries = 0
	c := NewClient(cfg, newTestRegistry(t, nil), proxy.NewHealthTable(3, time.Minute), zap.NewNop())
	c.newTransport = egress.factory

	_, err := c.Fetch(context.Background(), targetURL, "")
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchBlacklistsFailingProxy(t *testing.T) {
	t.Parallel()

	const proxyA = "http://proxy-a:3128"
	egress := newMockEgress(proxyA)
	egress.byProxy[proxyA].RegisterResponder(http.MethodGet, targetURL,
		httpmock.NewErrorResponder(errors.New("connection refused")))

	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.FallbackDirect = false
	health := proxy.NewHealthTable(2, time.Minute)
	c := NewClient(cfg, newTestRegistry(t, map[string][]string{"eu": {proxyA}}), health, zap.NewNop())
	c.newTransport = egress.factory

	_, err := c.Fetch(context.Background(), targetURL, "eu")
	require.ErrorIs(t, err, ErrFetchFailed)
	require.True(t, health.Blacklisted(proxyA))
	// Two attempts reach the proxy; once blacklisted, selection stops.
	require.Equal(t, 2, egress.byProxy[proxyA].GetTotalCallCount())
}

func TestFetchFallsBackDirectWhenPoolExhausted(t *testing.T) {
	t.Parallel()

	const proxyA = "http://proxy-a:3128"
	egress := newMockEgress(proxyA)
	egress.direct.RegisterResponder(http.MethodGet, targetURL,
		httpmock.NewBytesResponder(http.StatusOK, []byte("direct")))

	health := proxy.NewHealthTable(1, time.Minute)
	health.ReportFailure(proxyA) // blacklist the only member up front

	c := NewClient(testConfig(), newTestRegistry(t, map[string][]string{"eu": {proxyA}}), health, zap.NewNop())
	c.newTransport = egress.factory

	data, err := c.Fetch(context.Background(), targetURL, "eu")
	require.NoError(t, err)
	require.Equal(t, []byte("direct"), data)
	require.Zero(t, egress.byProxy[proxyA].GetTotalCallCount())
}

func TestFetchUnknownPoolGoesDirect(t *testing.T) {
	t.Parallel()

	egress := newMockEgress()
	egress.direct.RegisterResponder(http.MethodGet, targetURL,
		httpmock.NewBytesResponder(http.StatusOK, []byte("direct")))

	c := NewClient(testConfig(), newTestRegistry(t, nil), proxy.NewHealthTable(3, time.Minute), zap.NewNop())
	c.newTransport = egress.factory

	data, err := c.Fetch(context.Background(), targetURL, "no-such-pool")
	require.NoError(t, err)
	require.Equal(t, []byte("direct"), data)
}

func TestFetchSuccessResetsFailureCounter(t *testing.T) {
	t.Parallel()

	const proxyA = "http://proxy-a:3128"
	egress := newMockEgress(proxyA)
	egress.byProxy[proxyA].RegisterResponder(http.MethodGet, targetURL,
		httpmock.NewBytesResponder(http.StatusOK, []byte("ok")))

	health := proxy.NewHealthTable(2, time.Minute)
	health.ReportFailure(proxyA) // one strike, not yet blacklisted

	c := NewClient(testConfig(), newTestRegistry(t, map[string][]string{"eu": {proxyA}}), health, zap.NewNop())
	c.newTransport = egress.factory

	_, err := c.Fetch(context.Background(), targetURL, "eu")
	require.NoError(t, err)

	// The earlier strike is gone: one new failure must not blacklist.
	require.False(t, health.ReportFailure(proxyA))
	require.False(t, health.Blacklisted(proxyA))
}

func TestFetchAfterCloseFails(t *testing.T) {
	t.Parallel()

	c := NewClient(testConfig(), newTestRegistry(t, nil), proxy.NewHealthTable(3, time.Minute), zap.NewNop())
	c.Close()
	c.Close() // idempotent

	_, err := c.Fetch(context.Background(), targetURL, "")
	require.ErrorIs(t, err, ErrFetchFailed)
}

func TestHostLimiterDisabledIsImmediate(t *testing.T) {
	t.Parallel()

	l := NewHostLimiter(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "example.com"))
	}
}

func TestHostLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := NewHostLimiter(0.001) // effectively one token, then a long wait
	require.NoError(t, l.Wait(context.Background(), "slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "slow.example.com"))
}
