package metricsserver

// NOTE: fasthttp shutdown can report benign races under -race; the requests below
// close their connections to keep that window small.

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
)

type mockHandler struct {
	called bool
}

func (m *mockHandler) ServeHTTP(ctx *fasthttp.RequestCtx) {
	m.called = true
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("# TYPE test_metric counter\ntest_metric 42\n")
}

func get(t *testing.T, url string) (*fasthttp.Response, error) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := &fasthttp.Response{}

	req.SetRequestURI(url)
	req.Header.SetMethod("GET")
	req.Header.SetConnectionClose()

	client := &fasthttp.Client{}
	return resp, client.DoTimeout(req, resp, 2*time.Second)
}

func TestStart_Disabled(t *testing.T) {
	handler := &mockHandler{}
	server, err := Start(configtypes.MetricsConfig{Enabled: false, Listen: ":19090", Path: "/metrics"}, handler, zap.NewNop())

	require.NoError(t, err)
	assert.Nil(t, server)
}

func TestStart_ServesAndShutsDown(t *testing.T) {
	handler := &mockHandler{}
	server, err := Start(configtypes.MetricsConfig{Enabled: true, Listen: "127.0.0.1:19093", Path: "/metrics"}, handler, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, server)

	resp, err := get(t, "http://127.0.0.1:19093/metrics")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "test_metric 42")
	assert.True(t, handler.called)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.ShutdownWithContext(ctx))

	_, err = get(t, "http://127.0.0.1:19093/metrics")
	assert.Error(t, err, "listener should be closed after shutdown")
}

func TestStart_PortInUse(t *testing.T) {
	first, err := Start(configtypes.MetricsConfig{Enabled: true, Listen: "127.0.0.1:19094", Path: "/metrics"}, &mockHandler{}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = first.Shutdown() }()

	_, err = Start(configtypes.MetricsConfig{Enabled: true, Listen: "127.0.0.1:19094", Path: "/metrics"}, &mockHandler{}, zap.NewNop())
	assert.Error(t, err)
}

func TestHandler_Paths(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		path       string
		wantStatus int
	}{
		{"metrics path", "/metrics", "/metrics", fasthttp.StatusOK},
		{"custom path", "/internal/metrics", "/internal/metrics", fasthttp.StatusOK},
		{"root", "/metrics", "/", fasthttp.StatusNotFound},
		{"render path", "/metrics", "/https://example.com/", fasthttp.StatusNotFound},
		{"nested", "/metrics", "/metrics/detailed", fasthttp.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockHandler{}
			handler := newHandler(tt.configured, mock)

			ctx := &fasthttp.RequestCtx{}
			ctx.Request.SetRequestURI(tt.path)
			handler(ctx)

			assert.Equal(t, tt.wantStatus, ctx.Response.StatusCode())
			assert.Equal(t, tt.wantStatus == fasthttp.StatusOK, mock.called)
		})
	}
}
