// Package cdpcontrol implements tabs.Directory and pages.SurfaceFactory on
// top of a running Chromium's DevTools protocol endpoint.
package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"not connected",
}

const (
	defaultCallTimeout = 5 * time.Second
	fallbackWindow     = tabs.WindowID(1)
)

// Options configures a Client.
type Options struct {
	// URL is the DevTools HTTP base, e.g. "http://127.0.0.1:9220".
	URL         string
	CallTimeout time.Duration
	// Pinned marks tabs whose URL matches as pinned. CDP has no pinned state.
	Pinned *tabs.Matcher
}

// Client is a tab directory backed by CDP target discovery. Order, pinned
// state and focus are kept in a local registry.
type Client struct {
	cdpURL      string
	callTimeout time.Duration
	reg         *registry

	// connectMu serialises (re)connects; mu guards the fields below it.
	connectMu sync.Mutex
	mu        sync.Mutex
	cur       *conn
	closed    bool

	subMu   sync.Mutex
	subs    map[int]func(tabs.Event)
	nextSub int
}

// conn is one browser connection with its event worker and page sessions.
type conn struct {
	cdp        *rawCDP
	queue      *eventQueue
	unregister []func()

	sessionsMu sync.Mutex
	sessions   map[string]*pageConn
}

func NewClient(opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Client{
		cdpURL:      opts.URL,
		callTimeout: opts.CallTimeout,
		reg:         newRegistry(opts.Pinned),
		subs:        make(map[int]func(tabs.Event)),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked replaces the current connection. connectMu must be held.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	c.mu.Lock()
	old, closed := c.cur, c.closed
	c.cur = nil
	c.mu.Unlock()
	if old != nil {
		old.teardown()
	}
	if closed {
		return newError(CodeCDPUnavailable, "client closed", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	cdp := newRawCDP(c.cdpURL)
	cdp.onDisconnect = func(err error) {
		slog.Warn("cdpcontrol connection lost", "cdp_url", c.cdpURL, "error", err)
	}
	if err := cdp.connect(ctx); err != nil {
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	cur := &conn{cdp: cdp, sessions: make(map[string]*pageConn)}
	cur.queue = newEventQueue(func(qctx context.Context, ev cdpEvent) {
		c.handleEvent(qctx, cdp, ev)
	})
	for _, method := range []string{"Target.targetCreated", "Target.targetInfoChanged", "Target.targetDestroyed"} {
		cur.unregister = append(cur.unregister, cdp.registerEventHandler(method, func(_ string, params json.RawMessage) {
			cur.queue.push(cdpEvent{method: method, params: params})
		}))
	}

	if err := c.syncTargets(ctx, cdp); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		cur.teardown()
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	discover := struct {
		Discover bool `json:"discover"`
	}{Discover: true}
	if err := cdp.call(ctx, "Target.setDiscoverTargets", discover, nil); err != nil {
		cur.teardown()
		return newError(CodeCDPUnavailable, "enable target discovery failed", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cur.teardown()
		return newError(CodeCDPUnavailable, "client closed", nil)
	}
	c.cur = cur
	c.mu.Unlock()

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", c.reg.count())
	return nil
}

func (c *Client) Close() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	c.mu.Lock()
	c.closed = true
	old := c.cur
	c.cur = nil
	c.mu.Unlock()
	if old != nil {
		old.teardown()
	}
	return nil
}

// Connected reports whether the browser connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	return cur != nil && cur.cdp.connected()
}

// teardown detaches page sessions without closing their targets, then drops
// the connection and stops the event worker.
func (s *conn) teardown() {
	s.sessionsMu.Lock()
	sessions := make([]*pageConn, 0, len(s.sessions))
	for _, p := range s.sessions {
		sessions = append(sessions, p)
	}
	s.sessions = make(map[string]*pageConn)
	s.sessionsMu.Unlock()

	for _, p := range sessions {
		if p == nil || p.sessionID == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.cdp.detachFromTarget(ctx, p.sessionID); err != nil {
			slog.Debug("cdpcontrol detach cleanup failed", "tab_id", p.id, "session_id", p.sessionID, "error", err)
		}
		cancel()
	}
	for _, fn := range s.unregister {
		fn()
	}
	s.cdp.close()
	if s.queue != nil {
		s.queue.stop()
	}
}

func (s *conn) track(p *pageConn) {
	s.sessionsMu.Lock()
	s.sessions[p.sessionID] = p
	s.sessionsMu.Unlock()
}

func (s *conn) untrack(p *pageConn) {
	s.sessionsMu.Lock()
	delete(s.sessions, p.sessionID)
	s.sessionsMu.Unlock()
}

// ensure returns a live connection, reconnecting when the previous one broke.
func (c *Client) ensure(ctx context.Context) (*conn, error) {
	cur, err := c.current()
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.cdp.connected() {
		return cur, nil
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if latest, _ := c.current(); latest != nil && latest != cur && latest.cdp.connected() {
		return latest, nil
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	cur, err = c.current()
	if err == nil && cur == nil {
		err = newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	return cur, err
}

func (c *Client) current() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, newError(CodeCDPUnavailable, "client closed", nil)
	}
	return c.cur, nil
}

// do runs one browser-level command, retrying once after a reconnect when
// the failure looks transient.
func (c *Client) do(ctx context.Context, method string, params, out any) error {
	err := c.doOnce(ctx, method, params, out)
	if err == nil || !c.shouldRetry(err) {
		return err
	}
	slog.Warn("cdpcontrol call retry after transient failure", "method", method, "error", err)
	return c.doOnce(ctx, method, params, out)
}

func (c *Client) doOnce(ctx context.Context, method string, params, out any) error {
	cur, err := c.ensure(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	if err := cur.cdp.call(callCtx, method, params, out); err != nil {
		return c.classify(callCtx, cur.cdp, method, err)
	}
	return nil
}

func (c *Client) classify(callCtx context.Context, cdp *rawCDP, method string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return newError(CodeTimeout, method+" timed out", err)
	case !cdp.connected():
		return newError(CodeCDPUnavailable, method+" failed", err)
	default:
		return newError(CodeCDPFailure, method+" failed", err)
	}
}

func (c *Client) shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case CodeCDPUnavailable:
		return true
	case CodeCDPFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

// syncTargets reconciles the registry with the browser's page targets and
// emits the difference as lifecycle events.
func (c *Client) syncTargets(ctx context.Context, cdp *rawCDP) error {
	targets, err := cdp.listTargets(ctx)
	if err != nil {
		return newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	// /json/list reports the most recently opened target first.
	slices.Reverse(targets)
	seen := make(map[tabs.ID]bool, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		seen[tabs.ID(t.TargetID)] = true
		c.discover(ctx, cdp, t)
	}
	for _, id := range c.reg.ids() {
		if !seen[id] && c.reg.remove(id) {
			c.emit(tabs.Event{Kind: tabs.EventRemoved, TabID: id})
		}
	}
	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "tabs", len(seen))
	return nil
}

// discover registers a newly seen page target.
func (c *Client) discover(ctx context.Context, cdp *rawCDP, info *target.Info) {
	id := tabs.ID(info.TargetID)
	if c.reg.has(id) {
		return
	}
	w := c.windowFor(ctx, cdp, info.TargetID)
	t, created := c.reg.insert(tabs.Tab{ID: id, WindowID: w, URL: info.URL, Title: info.Title})
	if created {
		c.emit(tabs.Event{Kind: tabs.EventCreated, TabID: id, Tab: t, Status: t.Status})
	}
}

func (c *Client) windowFor(ctx context.Context, cdp *rawCDP, id target.ID) tabs.WindowID {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	params := struct {
		TargetID target.ID `json:"targetId"`
	}{TargetID: id}
	var resp struct {
		WindowID browser.WindowID `json:"windowId"`
	}
	if err := cdp.call(callCtx, "Browser.getWindowForTarget", params, &resp); err != nil || resp.WindowID == 0 {
		slog.Debug("cdpcontrol window lookup failed", "target_id", id, "error", err)
		if w := c.reg.current(); w != 0 {
			return w
		}
		return fallbackWindow
	}
	return tabs.WindowID(resp.WindowID)
}

func (c *Client) handleEvent(ctx context.Context, cdp *rawCDP, ev cdpEvent) {
	switch ev.method {
	case "Target.targetCreated", "Target.targetInfoChanged":
		var p struct {
			TargetInfo *target.Info `json:"targetInfo"`
		}
		if json.Unmarshal(ev.params, &p) != nil || p.TargetInfo == nil || p.TargetInfo.Type != "page" {
			return
		}
		id := tabs.ID(p.TargetInfo.TargetID)
		if !c.reg.has(id) {
			c.discover(ctx, cdp, p.TargetInfo)
			return
		}
		if ev.method == "Target.targetCreated" {
			return
		}
		t, urlChanged, ok := c.reg.update(id, p.TargetInfo.URL, p.TargetInfo.Title)
		if !ok {
			return
		}
		// A URL change is the closest CDP gets to a finished navigation
		// without attaching to every page; title changes are plain updates.
		status := ""
		if urlChanged {
			status = tabs.StatusComplete
		}
		c.emit(tabs.Event{Kind: tabs.EventUpdated, TabID: id, Tab: t, Status: status})
	case "Target.targetDestroyed":
		var p struct {
			TargetID target.ID `json:"targetId"`
		}
		if json.Unmarshal(ev.params, &p) != nil {
			return
		}
		id := tabs.ID(p.TargetID)
		if c.reg.remove(id) {
			c.emit(tabs.Event{Kind: tabs.EventRemoved, TabID: id})
		}
	}
}

func (c *Client) CurrentWindow(ctx context.Context) (tabs.WindowID, error) {
	if _, err := c.ensure(ctx); err != nil {
		return 0, err
	}
	return c.reg.current(), nil
}

func (c *Client) Query(ctx context.Context, q tabs.Query) ([]tabs.Tab, error) {
	if _, err := c.ensure(ctx); err != nil {
		return nil, err
	}
	return c.reg.query(q), nil
}

func (c *Client) Get(ctx context.Context, id tabs.ID) (tabs.Tab, error) {
	if _, err := c.ensure(ctx); err != nil {
		return tabs.Tab{}, err
	}
	t, ok := c.reg.get(id)
	if !ok {
		return tabs.Tab{}, notFound(id)
	}
	return t, nil
}

func (c *Client) Create(ctx context.Context, opts tabs.CreateOptions) (tabs.Tab, error) {
	url := opts.URL
	if url == "" {
		url = "about:blank"
	}
	params := struct {
		URL        string `json:"url"`
		Background bool   `json:"background,omitempty"`
	}{URL: url, Background: !opts.Active}
	var resp struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := c.do(ctx, "Target.createTarget", params, &resp); err != nil {
		return tabs.Tab{}, err
	}
	if resp.TargetID == "" {
		return tabs.Tab{}, newError(CodeCDPFailure, "Target.createTarget returned no target", nil)
	}

	cur, err := c.ensure(ctx)
	if err != nil {
		return tabs.Tab{}, err
	}
	w := c.windowFor(ctx, cur.cdp, resp.TargetID)
	t, created := c.reg.place(tabs.Tab{ID: tabs.ID(resp.TargetID), WindowID: w, URL: url, Title: url}, opts.Index, opts.Pinned, opts.Active)
	if created {
		c.emit(tabs.Event{Kind: tabs.EventCreated, TabID: t.ID, Tab: t, Status: t.Status})
	}
	slog.Debug("cdpcontrol tab created", "tab_id", t.ID, "window_id", t.WindowID, "index", t.Index)
	return t, nil
}

func (c *Client) Remove(ctx context.Context, ids ...tabs.ID) error {
	if _, err := c.ensure(ctx); err != nil {
		return err
	}
	ids = tabs.UniqueIDs(ids)
	for _, id := range ids {
		if !c.reg.has(id) {
			return notFound(id)
		}
	}
	for _, id := range ids {
		params := struct {
			TargetID target.ID `json:"targetId"`
		}{TargetID: target.ID(id)}
		if err := c.do(ctx, "Target.closeTarget", params, nil); err != nil {
			return err
		}
		if c.reg.remove(id) {
			c.emit(tabs.Event{Kind: tabs.EventRemoved, TabID: id})
		}
	}
	return nil
}

// Move only changes the registry order; CDP cannot reorder the tab strip.
func (c *Client) Move(ctx context.Context, id tabs.ID, index int) error {
	moved, ok := c.reg.move(id, index)
	if !ok {
		return notFound(id)
	}
	if moved {
		c.emit(tabs.Event{Kind: tabs.EventMoved, TabID: id})
	}
	return nil
}

func (c *Client) Activate(ctx context.Context, id tabs.ID) error {
	if !c.reg.has(id) {
		return notFound(id)
	}
	params := struct {
		TargetID target.ID `json:"targetId"`
	}{TargetID: target.ID(id)}
	if err := c.do(ctx, "Target.activateTarget", params, nil); err != nil {
		return err
	}
	c.reg.activate(id)
	return nil
}

// FocusWindow brings a window forward by activating its active tab.
func (c *Client) FocusWindow(ctx context.Context, w tabs.WindowID) error {
	active, ok := c.reg.focus(w)
	if !ok {
		return fmt.Errorf("No window with id: %d.", w)
	}
	if active == "" {
		return nil
	}
	params := struct {
		TargetID target.ID `json:"targetId"`
	}{TargetID: target.ID(active)}
	return c.do(ctx, "Target.activateTarget", params, nil)
}

func (c *Client) Subscribe(fn func(tabs.Event)) func() {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Client) emit(ev tabs.Event) {
	c.subMu.Lock()
	fns := make([]func(tabs.Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	slog.Debug("cdpcontrol tab event", "kind", ev.Kind.String(), "tab_id", ev.TabID, "status", ev.Status)
	for _, fn := range fns {
		fn(ev)
	}
}

type cdpEvent struct {
	method string
	params json.RawMessage
}

// eventQueue hands CDP events from the read loop to a single worker, in
// order. push never blocks, so the read loop keeps serving responses the
// worker is waiting on.
type eventQueue struct {
	mu     sync.Mutex
	items  []cdpEvent
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newEventQueue(fn func(context.Context, cdpEvent)) *eventQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &eventQueue{
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.run(fn)
	return q
}

func (q *eventQueue) push(ev cdpEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(fn func(context.Context, cdpEvent)) {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 || q.ctx.Err() != nil {
				q.mu.Unlock()
				break
			}
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			fn(q.ctx, ev)
		}
	}
}

func (q *eventQueue) stop() {
	q.cancel()
	<-q.done
}
