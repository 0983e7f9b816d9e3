package chrome

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/acorn1010/render/pkg/types"
)

const (
	maxConsoleLogSize = 5120            // total bytes of captured console args
	snapshotTimeout   = 5 * time.Second // extraction budget after navigation ends
	closeTimeout      = 2 * time.Second // page and browsing context teardown
	noResponseStatus  = 400             // navigation produced no main response
	lifecycleDOMReady = "DOMContentLoaded"
)

// ChromedpLauncher starts headless Chrome through chromedp.
type ChromedpLauncher struct {
	cfg    Config
	logger *zap.Logger
}

func NewLauncher(cfg Config, logger *zap.Logger) *ChromedpLauncher {
	return &ChromedpLauncher{cfg: cfg, logger: logger}
}

// Launch starts a browser process. ctx bounds the startup only; the process
// lives until Close.
func (l *ChromedpLauncher) Launch(ctx context.Context) (Engine, error) {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.WindowSize(l.cfg.ViewportWidth, l.cfg.ViewportHeight),
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}

	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("failed to start Chrome: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start Chrome: %w", ctx.Err())
	}

	e := &chromedpEngine{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		cfg:         l.cfg,
		logger:      l.logger,
	}

	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := browser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		e.version = product
		return nil
	})); err != nil {
		l.logger.Warn("Failed to read browser version", zap.Error(err))
	}

	l.logger.Info("Chrome started", zap.String("version", e.version))
	return e, nil
}

type chromedpEngine struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cfg         Config
	version     string
	logger      *zap.Logger
}

// browserScope runs browser-level CDP commands (Target domain) under ctx.
func (e *chromedpEngine) browserScope(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(e.ctx).Browser)
}

func (e *chromedpEngine) NewContext(ctx context.Context) (BrowsingContext, error) {
	id, err := target.CreateBrowserContext().WithDisposeOnDetach(true).Do(e.browserScope(ctx))
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	return &chromedpContext{id: id, engine: e}, nil
}

func (e *chromedpEngine) Close() error {
	err := chromedp.Cancel(e.ctx)
	e.cancel()
	e.allocCancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// chromedpContext is one incognito-style browser context. Every Load opens a
// fresh tab inside it.
type chromedpContext struct {
	id     cdp.BrowserContextID
	engine *chromedpEngine
}

func (c *chromedpContext) Close() error {
	ctx, cancel := context.WithTimeout(c.engine.ctx, closeTimeout)
	defer cancel()
	return target.DisposeBrowserContext(c.id).Do(c.engine.browserScope(ctx))
}

func (c *chromedpContext) openTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	targetID, err := target.CreateTarget("about:blank").WithBrowserContextID(c.id).Do(c.engine.browserScope(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("create tab: %w", err)
	}
	tabCtx, cancel := chromedp.NewContext(c.engine.ctx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("attach tab: %w", err)
	}
	return tabCtx, cancel, nil
}

// Load renders req.URL in a new tab. When the page timeout fires after the main
// response arrived, the current DOM is still extracted and TimedOut is set.
func (c *chromedpContext) Load(ctx context.Context, req PageRequest) (*PageResult, error) {
	tabCtx, cancel, err := c.openTab(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	defer closePage(tabCtx)

	rec := newPageRecorder()
	chromedp.ListenTarget(tabCtx, rec.onEvent)

	navCtx, navCancel := context.WithTimeout(tabCtx, req.Timeout)
	defer navCancel()

	err = chromedp.Run(navCtx,
		network.Enable(),
		cdpruntime.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		emulation.SetDeviceMetricsOverride(int64(c.engine.cfg.ViewportWidth), int64(c.engine.cfg.ViewportHeight), 1.0, false),
		applyForwardedHeaders(req.Headers),
		navigate(req.URL, rec),
	)

	timedOut := false
	if err != nil {
		if !errors.Is(navCtx.Err(), context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, err
		}
		timedOut = true
	} else {
		timedOut, err = waitSettled(ctx, navCtx, req, evaluateSettle, c.engine.logger)
		if err != nil {
			return nil, err
		}
	}

	main := rec.mainResponse()
	if main == nil && timedOut {
		return nil, fmt.Errorf("%w: %s", ErrRenderTimeout, req.URL)
	}

	result := &PageResult{
		StatusCode: noResponseStatus,
		Headers:    types.Headers{},
		ConsoleLog: rec.consoleLog(),
		TimedOut:   timedOut,
	}

	snapCtx, snapCancel := context.WithTimeout(tabCtx, snapshotTimeout)
	defer snapCancel()

	if main != nil {
		result.StatusCode = main.status
		result.Headers = main.headers

		contentType, hasType := main.headers.Get("content-type")
		if !hasType || !isHTMLContentType(contentType) {
			var raw []byte
			err := chromedp.Run(snapCtx, chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				raw, err = network.GetResponseBody(main.requestID).Do(ctx)
				return err
			}))
			if err == nil && (hasType || !looksLikeHTML(raw)) {
				result.Body = raw
				return result, nil
			}
			if err != nil && hasType {
				return nil, fmt.Errorf("read response body: %w", err)
			}
		}
	}

	var html string
	if err := chromedp.Run(snapCtx, extractHTML(&html)); err != nil {
		return nil, err
	}
	result.Body = []byte(html)
	return result, nil
}

// settleEvaluator runs the settle script in the page and reports whether the
// DOM went quiet before the script's own deadline.
type settleEvaluator func(ctx context.Context, script string) (bool, error)

func evaluateSettle(ctx context.Context, script string) (bool, error) {
	var settled bool
	err := chromedp.Run(ctx, chromedp.Evaluate(script, &settled,
		func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams { return p.WithAwaitPromise(true) }))
	return settled, err
}

// waitSettled waits for DOM mutations to stop. Settle errors are logged and the
// page is still captured. Returns timedOut when the page deadline fired while
// waiting.
func waitSettled(ctx, navCtx context.Context, req PageRequest, eval settleEvaluator, logger *zap.Logger) (bool, error) {
	settled, err := eval(navCtx, buildSettleScript(req.SettleDebounce, req.SettleTimeout))
	switch {
	case err == nil && settled:
		return false, nil
	case err == nil:
		logger.Warn("Timed out while waiting for DOM to settle",
			zap.String("url", req.URL),
			zap.Duration("settle_timeout", req.SettleTimeout))
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(navCtx.Err(), context.DeadlineExceeded):
		return true, nil
	default:
		logger.Warn("Failed while waiting for DOM to settle",
			zap.String("url", req.URL),
			zap.Error(err))
		return false, nil
	}
}

// closePage closes the tab, ignoring errors: the engine may already be gone.
func closePage(tabCtx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(tabCtx), closeTimeout)
	defer cancel()
	_ = chromedp.Run(ctx, page.Close())
}

// applyForwardedHeaders sets the user agent and language the client sent.
func applyForwardedHeaders(headers types.Headers) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ua, hasUA := headers.Get("user-agent")
		lang, hasLang := headers.Get("accept-language")
		if hasUA {
			override := emulation.SetUserAgentOverride(ua)
			if hasLang {
				override = override.WithAcceptLanguage(lang)
			}
			return override.Do(ctx)
		}
		if hasLang {
			return network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": lang}).Do(ctx)
		}
		return nil
	}
}

// navigate loads url and waits for DOMContentLoaded of that navigation.
func navigate(url string, rec *pageRecorder) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		_, loaderID, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return errors.Join(ErrNavigateFailed, err)
		}
		if errorText != "" {
			return fmt.Errorf("%w: %s", ErrNavigateFailed, errorText)
		}
		if loaderID == "" {
			return nil // same-document navigation
		}
		rec.setLoader(loaderID)
		return rec.waitDOMReady(ctx, loaderID)
	}
}

// extractHTML extracts the page HTML with retry logic
func extractHTML(output *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			root, err := dom.GetDocument().Do(ctx)
			if err == nil {
				var html string
				html, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
				if err == nil {
					*output = html
					return nil
				}
			}
			lastErr = err

			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrExtractHTML, ctx.Err())
			case <-time.After(300 * time.Millisecond):
			}
		}
		return fmt.Errorf("%w after 3 attempts: %v", ErrExtractHTML, lastErr)
	}
}

type mainResponse struct {
	requestID network.RequestID
	status    int
	headers   types.Headers
}

// pageRecorder collects CDP events of one tab.
type pageRecorder struct {
	mu          sync.Mutex
	loaderID    cdp.LoaderID
	documents   map[network.RequestID]*mainResponse
	firstDoc    *mainResponse
	domReady    map[cdp.LoaderID]bool
	notify      chan struct{}
	console     []types.ConsoleEntry
	consoleSize int
}

func newPageRecorder() *pageRecorder {
	return &pageRecorder{
		documents: make(map[network.RequestID]*mainResponse),
		domReady:  make(map[cdp.LoaderID]bool),
		notify:    make(chan struct{}, 1),
	}
}

func (r *pageRecorder) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		resp := &mainResponse{
			requestID: e.RequestID,
			status:    int(e.Response.Status),
			headers:   headersFromCDP(e.Response.Headers),
		}
		r.mu.Lock()
		r.documents[e.RequestID] = resp
		if r.firstDoc == nil {
			r.firstDoc = resp
		}
		r.mu.Unlock()

	case *page.EventLifecycleEvent:
		if e.Name != lifecycleDOMReady {
			return
		}
		r.mu.Lock()
		r.domReady[e.LoaderID] = true
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}

	case *cdpruntime.EventConsoleAPICalled:
		args := make([]string, 0, len(e.Args))
		size := 0
		for _, arg := range e.Args {
			s := formatConsoleArg(arg)
			args = append(args, s)
			size += len(s)
		}
		r.mu.Lock()
		if r.consoleSize+size <= maxConsoleLogSize {
			r.console = append(r.console, types.ConsoleEntry{Level: string(e.Type), Args: args})
			r.consoleSize += size
		}
		r.mu.Unlock()
	}
}

func (r *pageRecorder) setLoader(id cdp.LoaderID) {
	r.mu.Lock()
	r.loaderID = id
	r.mu.Unlock()
}

func (r *pageRecorder) waitDOMReady(ctx context.Context, id cdp.LoaderID) error {
	for {
		r.mu.Lock()
		ready := r.domReady[id]
		r.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mainResponse returns the response of the top-level navigation. The browser
// reuses the loader id as the request id of the main document.
func (r *pageRecorder) mainResponse() *mainResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resp, ok := r.documents[network.RequestID(r.loaderID)]; ok {
		return resp
	}
	return r.firstDoc
}

func (r *pageRecorder) consoleLog() []types.ConsoleEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ConsoleEntry, len(r.console))
	copy(out, r.console)
	return out
}

// headersFromCDP converts CDP response headers, sorted by name. The browser
// already joins repeated headers with "\n".
func headersFromCDP(h network.Headers) types.Headers {
	out := make(types.Headers, 0, len(h))
	for name, value := range h {
		switch v := value.(type) {
		case string:
			out = out.Add(name, v)
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = out.Add(name, s)
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// formatConsoleArg converts a CDP RemoteObject to a string representation.
func formatConsoleArg(arg *cdpruntime.RemoteObject) string {
	if len(arg.Value) > 0 {
		raw := string(arg.Value)
		if unquoted, err := strconv.Unquote(raw); err == nil {
			return unquoted
		}
		if raw != "null" && raw != "undefined" {
			return raw
		}
	}
	if arg.Description != "" {
		return arg.Description
	}
	if arg.ClassName != "" {
		return "[" + arg.ClassName + "]"
	}
	if arg.Type != "" {
		return "[" + strings.ToLower(string(arg.Type)) + "]"
	}
	return ""
}
