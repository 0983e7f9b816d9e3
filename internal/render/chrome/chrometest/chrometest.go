// Package chrometest provides scriptable in-memory engines for pool tests.
package chrometest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/acorn1010/render/internal/render/chrome"
	"github.com/acorn1010/render/pkg/types"
)

// Errors shaped like the ones Chrome reports.
var (
	ErrNameNotResolved = errors.New("page load error net::ERR_NAME_NOT_RESOLVED")
	ErrInvalidURL      = errors.New("Cannot navigate to invalid URL (-32000)")
	ErrAborted         = errors.New("page load error net::ERR_ABORTED")
	ErrCrashed         = errors.New("websocket: close 1006 (abnormal closure): unexpected EOF")
)

// Handler produces the outcome of one page load.
type Handler func(ctx context.Context, req chrome.PageRequest) (*chrome.PageResult, error)

// HTMLPage returns a 200 text/html page whose body names the URL.
func HTMLPage(req chrome.PageRequest) *chrome.PageResult {
	return &chrome.PageResult{
		StatusCode: 200,
		Headers:    types.Headers{{Name: "content-type", Value: "text/html; charset=utf-8"}},
		Body:       []byte("<html><body>" + req.URL + "</body></html>"),
		ConsoleLog: []types.ConsoleEntry{},
	}
}

// Launcher hands out fake engines and tracks how many loads run at once.
type Launcher struct {
	mu        sync.Mutex
	handler   Handler
	launchErr error
	engines   []*Engine

	inEngine    atomic.Int64
	maxInEngine atomic.Int64
	loads       atomic.Int64
}

// NewLauncher creates a launcher whose pages render with HTMLPage.
func NewLauncher() *Launcher {
	return &Launcher{
		handler: func(_ context.Context, req chrome.PageRequest) (*chrome.PageResult, error) {
			return HTMLPage(req), nil
		},
	}
}

// SetHandler replaces the page handler for subsequent loads.
func (l *Launcher) SetHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// FailLaunches makes Launch return err; nil restores normal launches.
func (l *Launcher) FailLaunches(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

func (l *Launcher) Launch(ctx context.Context) (chrome.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	e := &Engine{ID: len(l.engines) + 1, launcher: l}
	l.engines = append(l.engines, e)
	return e, nil
}

// Engines returns every engine launched so far, oldest first.
func (l *Launcher) Engines() []*Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Engine, len(l.engines))
	copy(out, l.engines)
	return out
}

// Launches returns the number of successful launches.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engines)
}

// InEngine is the number of loads currently executing.
func (l *Launcher) InEngine() int64 { return l.inEngine.Load() }

// MaxInEngine is the high-water mark of InEngine.
func (l *Launcher) MaxInEngine() int64 { return l.maxInEngine.Load() }

// Loads is the total number of page loads started.
func (l *Launcher) Loads() int64 { return l.loads.Load() }

func (l *Launcher) enter() {
	n := l.inEngine.Add(1)
	l.loads.Add(1)
	for {
		high := l.maxInEngine.Load()
		if n <= high || l.maxInEngine.CompareAndSwap(high, n) {
			return
		}
	}
}

func (l *Launcher) exit() { l.inEngine.Add(-1) }

func (l *Launcher) currentHandler() Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

// Engine is a fake browser process.
type Engine struct {
	ID       int
	launcher *Launcher
	closed   atomic.Bool

	mu       sync.Mutex
	contexts []*Context
}

func (e *Engine) NewContext(ctx context.Context) (chrome.BrowsingContext, error) {
	if e.closed.Load() {
		return nil, ErrCrashed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &Context{engine: e}
	e.contexts = append(e.contexts, c)
	return c, nil
}

func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// Closed reports whether the pool closed this engine.
func (e *Engine) Closed() bool { return e.closed.Load() }

// ContextCount is the number of browsing contexts opened on this engine.
func (e *Engine) ContextCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.contexts)
}

// Context is a fake browsing context.
type Context struct {
	engine *Engine
	closed atomic.Bool
	loads  atomic.Int64
}

func (c *Context) Load(ctx context.Context, req chrome.PageRequest) (*chrome.PageResult, error) {
	if c.engine.closed.Load() {
		return nil, ErrCrashed
	}
	l := c.engine.launcher
	l.enter()
	defer l.exit()
	c.loads.Add(1)
	return l.currentHandler()(ctx, req)
}

func (c *Context) Close() error {
	c.closed.Store(true)
	return nil
}

// Fetcher is a fake plain-fetch fallback.
type Fetcher struct {
	Result *types.RenderResult
	Err    error
	calls  atomic.Int64
}

func (f *Fetcher) Fetch(_ context.Context, url string, _ types.Headers) (*types.RenderResult, error) {
	f.calls.Add(1)
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Result != nil {
		return f.Result, nil
	}
	return &types.RenderResult{
		StatusCode: 200,
		Headers:    types.Headers{{Name: "content-type", Value: "application/pdf"}},
		Body:       []byte("%PDF-1.7 " + url),
		ConsoleLog: []types.ConsoleEntry{},
	}, nil
}

// Calls is the number of Fetch calls.
func (f *Fetcher) Calls() int64 { return f.calls.Load() }
