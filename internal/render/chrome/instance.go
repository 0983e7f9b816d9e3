package chrome

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// instance is one engine process together with its browsing contexts.
// State moves starting -> ready -> draining -> closed; a failed launch goes
// straight from starting to closed.
type instance struct {
	id        int
	createdAt time.Time // set under Pool.mu
	state     atomic.Int32
	logger    *zap.Logger

	ready     chan struct{} // closed when the launch finished either way
	engine    Engine
	launchErr error

	// inflight counts jobs bound to this instance; Add only while it is the pool's current instance
	inflight sync.WaitGroup

	mu       sync.Mutex
	contexts map[string]BrowsingContext

	closeOnce sync.Once
}

func newInstance(id int, now time.Time, logger *zap.Logger) *instance {
	in := &instance{
		id:        id,
		createdAt: now,
		logger:    logger,
		ready:     make(chan struct{}),
		contexts:  make(map[string]BrowsingContext),
	}
	in.state.Store(int32(StateStarting))
	return in
}

func (in *instance) State() EngineState {
	return EngineState(in.state.Load())
}

func (in *instance) setState(s EngineState) {
	in.state.Store(int32(s))
}

func (in *instance) transition(from, to EngineState) bool {
	return in.state.CompareAndSwap(int32(from), int32(to))
}

// browsingContext returns the context for fingerprint, opening one on first use.
func (in *instance) browsingContext(ctx context.Context, fingerprint string) (BrowsingContext, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if bc, ok := in.contexts[fingerprint]; ok {
		return bc, nil
	}

	bc, err := in.engine.NewContext(ctx)
	if err != nil {
		return nil, err
	}
	in.contexts[fingerprint] = bc

	in.logger.Debug("Opened browsing context",
		zap.Int("instance_id", in.id),
		zap.String("fingerprint", fingerprint),
		zap.Int("contexts", len(in.contexts)))
	return bc, nil
}

func (in *instance) contextCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.contexts)
}

// close tears down every browsing context and the engine. Safe to call more than once.
func (in *instance) close() error {
	var err error
	in.closeOnce.Do(func() {
		in.mu.Lock()
		contexts := in.contexts
		in.contexts = make(map[string]BrowsingContext)
		in.mu.Unlock()

		for fp, bc := range contexts {
			if cerr := bc.Close(); cerr != nil {
				in.logger.Debug("Browsing context close failed",
					zap.Int("instance_id", in.id),
					zap.String("fingerprint", fp),
					zap.Error(cerr))
			}
		}
		if in.engine != nil {
			err = in.engine.Close()
		}
		in.setState(StateClosed)
	})
	return err
}
