package chrome

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/acorn1010/render/pkg/types"
)

func documentResponse(id string, status int64, headers network.Headers) *network.EventResponseReceived {
	return &network.EventResponseReceived{
		RequestID: network.RequestID(id),
		Type:      network.ResourceTypeDocument,
		Response:  &network.Response{Status: status, Headers: headers},
	}
}

func TestPageRecorder_MainResponse(t *testing.T) {
	rec := newPageRecorder()
	assert.Nil(t, rec.mainResponse())

	rec.onEvent(documentResponse("iframe-1", 200, nil))
	rec.onEvent(documentResponse("loader-1", 301, network.Headers{"Location": "/next"}))
	rec.onEvent(&network.EventResponseReceived{
		RequestID: "script-1",
		Type:      network.ResourceTypeScript,
		Response:  &network.Response{Status: 500},
	})

	// Before the loader is known the first document wins
	require.NotNil(t, rec.mainResponse())
	assert.Equal(t, 200, rec.mainResponse().status)

	rec.setLoader("loader-1")
	main := rec.mainResponse()
	require.NotNil(t, main)
	assert.Equal(t, 301, main.status)
	loc, ok := main.headers.Get("location")
	assert.True(t, ok)
	assert.Equal(t, "/next", loc)
}

func TestPageRecorder_WaitDOMReady(t *testing.T) {
	rec := newPageRecorder()
	done := make(chan error, 1)
	go func() { done <- rec.waitDOMReady(context.Background(), "loader-1") }()

	rec.onEvent(&page.EventLifecycleEvent{LoaderID: "other", Name: lifecycleDOMReady})
	rec.onEvent(&page.EventLifecycleEvent{LoaderID: "loader-1", Name: "load"})
	select {
	case <-done:
		t.Fatal("returned before DOMContentLoaded of the awaited loader")
	case <-time.After(50 * time.Millisecond):
	}

	rec.onEvent(&page.EventLifecycleEvent{LoaderID: cdp.LoaderID("loader-1"), Name: lifecycleDOMReady})
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waitDOMReady did not return")
	}
}

func TestPageRecorder_WaitDOMReadyCanceled(t *testing.T) {
	rec := newPageRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, rec.waitDOMReady(ctx, "loader-1"), context.Canceled)
}

func TestPageRecorder_ConsoleLogCap(t *testing.T) {
	rec := newPageRecorder()
	rec.onEvent(&cdpruntime.EventConsoleAPICalled{
		Type: cdpruntime.APITypeLog,
		Args: []*cdpruntime.RemoteObject{{Value: []byte(`"hello"`)}, {Value: []byte(`42`)}},
	})

	big := `"` + strings.Repeat("x", maxConsoleLogSize) + `"`
	rec.onEvent(&cdpruntime.EventConsoleAPICalled{
		Type: cdpruntime.APITypeError,
		Args: []*cdpruntime.RemoteObject{{Value: []byte(big)}},
	})

	rec.onEvent(&cdpruntime.EventConsoleAPICalled{
		Type: cdpruntime.APITypeWarning,
		Args: []*cdpruntime.RemoteObject{{Description: "Error: boom"}},
	})

	assert.Equal(t, []types.ConsoleEntry{
		{Level: "log", Args: []string{"hello", "42"}},
		{Level: "warning", Args: []string{"Error: boom"}},
	}, rec.consoleLog())
}

func TestHeadersFromCDP(t *testing.T) {
	headers := headersFromCDP(network.Headers{
		"Content-Type": "text/html",
		"Set-Cookie":   "a=1\nb=2",
		"X-Multi":      []interface{}{"one", "two"},
		"X-Ignored":    42,
	})

	assert.Equal(t, types.Headers{
		{Name: "content-type", Value: "text/html"},
		{Name: "set-cookie", Value: "a=1\nb=2"},
		{Name: "x-multi", Value: "one\ntwo"},
	}, headers)
}

func TestBuildSettleScript(t *testing.T) {
	script := buildSettleScript(750*time.Millisecond, 5*time.Second)

	assert.Contains(t, script, "MutationObserver")
	assert.Contains(t, script, "}, 5000);")
	assert.Contains(t, script, "}, 750);")
}

func TestFormatConsoleArg(t *testing.T) {
	tests := []struct {
		name     string
		arg      *cdpruntime.RemoteObject
		expected string
	}{
		{"string value", &cdpruntime.RemoteObject{Value: []byte(`"hello world"`)}, "hello world"},
		{"number value", &cdpruntime.RemoteObject{Value: []byte(`42`)}, "42"},
		{"boolean", &cdpruntime.RemoteObject{Value: []byte(`false`)}, "false"},
		{"null value", &cdpruntime.RemoteObject{Value: []byte(`null`)}, ""},
		{"description", &cdpruntime.RemoteObject{Description: "Error: Something went wrong"}, "Error: Something went wrong"},
		{"class name", &cdpruntime.RemoteObject{ClassName: "TypeError"}, "[TypeError]"},
		{"type only", &cdpruntime.RemoteObject{Type: cdpruntime.TypeObject}, "[object]"},
		{"empty", &cdpruntime.RemoteObject{}, ""},
		{"escaped quotes", &cdpruntime.RemoteObject{Value: []byte(`"code \"42\""`)}, `code "42"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatConsoleArg(tt.arg))
		})
	}
}

func TestWaitSettled(t *testing.T) {
	req := PageRequest{URL: "https://example.com/", SettleDebounce: 750 * time.Millisecond, SettleTimeout: 5 * time.Second}
	contextDestroyed := errors.New("Execution context was destroyed. (-32000)")

	tests := []struct {
		name         string
		settled      bool
		err          error
		wantTimedOut bool
		wantWarn     string
	}{
		{"settled", true, nil, false, ""},
		{"still mutating", false, nil, false, "Timed out while waiting for DOM to settle"},
		{"page navigated away", false, contextDestroyed, false, "Failed while waiting for DOM to settle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			var gotScript string
			eval := func(_ context.Context, script string) (bool, error) {
				gotScript = script
				return tt.settled, tt.err
			}

			timedOut, err := waitSettled(context.Background(), context.Background(), req, eval, zap.New(core))

			require.NoError(t, err)
			assert.Equal(t, tt.wantTimedOut, timedOut)
			assert.Contains(t, gotScript, "}, 750);")
			if tt.wantWarn == "" {
				assert.Zero(t, logs.Len())
			} else {
				require.Equal(t, 1, logs.Len())
				assert.Equal(t, tt.wantWarn, logs.All()[0].Message)
			}
		})
	}
}

func TestWaitSettled_PageDeadline(t *testing.T) {
	navCtx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-navCtx.Done()

	eval := func(ctx context.Context, _ string) (bool, error) { return false, ctx.Err() }
	timedOut, err := waitSettled(context.Background(), navCtx, PageRequest{}, eval, zap.NewNop())

	require.NoError(t, err)
	assert.True(t, timedOut)
}

func TestWaitSettled_CallerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eval := func(ctx context.Context, _ string) (bool, error) { return false, ctx.Err() }
	_, err := waitSettled(ctx, ctx, PageRequest{}, eval, zap.NewNop())

	assert.ErrorIs(t, err, context.Canceled)
}
