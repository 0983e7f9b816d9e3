package chrome

import (
	"context"
	"time"

	"github.com/acorn1010/render/pkg/types"
)

// EngineState is the lifecycle state of one engine instance.
type EngineState int32

const (
	StateStarting EngineState = iota
	StateReady
	StateDraining
	StateClosed
)

func (s EngineState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Launcher starts browser engine processes.
type Launcher interface {
	Launch(ctx context.Context) (Engine, error)
}

// Engine is one running browser process.
type Engine interface {
	// NewContext opens an isolated browsing context (own cookies and storage).
	NewContext(ctx context.Context) (BrowsingContext, error)
	Close() error
}

// BrowsingContext loads pages inside one isolated session.
type BrowsingContext interface {
	// Load opens a page, renders req.URL and closes the page again.
	Load(ctx context.Context, req PageRequest) (*PageResult, error)
	Close() error
}

// Fetcher performs a plain HTTP fetch without a browser.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers types.Headers) (*types.RenderResult, error)
}

// PageRequest describes one page load.
type PageRequest struct {
	URL            string
	Headers        types.Headers // forwarded subset only
	Timeout        time.Duration
	SettleDebounce time.Duration
	SettleTimeout  time.Duration
}

// PageResult is what a browsing context extracted from one page.
type PageResult struct {
	StatusCode int
	Headers    types.Headers
	Body       []byte
	ConsoleLog []types.ConsoleEntry
	TimedOut   bool // snapshot was taken after the page timeout fired
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Outstanding   int           `json:"outstanding"`
	Capacity      int           `json:"capacity"`
	EngineID      int           `json:"engine_id"`
	EngineState   string        `json:"engine_state"`
	EngineAge     time.Duration `json:"engine_age"`
	Draining      int           `json:"draining"`
	TotalRenders  int64         `json:"renders_total"`
	TotalRestarts int64         `json:"restarts_total"`
	Uptime        time.Duration `json:"uptime"`
}
