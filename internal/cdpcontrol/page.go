package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tabrelay/internal/pages"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

// bindingName is the page-side function the shim calls with each outbound
// window message.
const bindingName = "__tabrelayPost"

// pageShim forwards the page's own window messages to the binding. Messages
// already tagged by the relay are skipped.
const pageShim = `(() => {
	if (window.__tabrelayShim) return;
	window.__tabrelayShim = true;
	window.addEventListener("message", (event) => {
		if (event.source !== window) return;
		const data = event.data;
		if (!data || typeof data !== "object" || data.source === "startup-extension") return;
		if (typeof window.` + bindingName + ` !== "function") return;
		try { window.` + bindingName + `(JSON.stringify(data)); } catch (_) {}
	});
})()`

var errPageClosed = errors.New("page session closed")

// OpenPage attaches a flat session to the tab and installs the message
// bridge. It implements pages.SurfaceFactory.
func (c *Client) OpenPage(ctx context.Context, id tabs.ID) (pages.PageConn, error) {
	cur, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	if !c.reg.has(id) {
		return nil, notFound(id)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	sid, err := cur.cdp.attachToTarget(callCtx, target.ID(id))
	if err != nil {
		return nil, c.classify(callCtx, cur.cdp, "Target.attachToTarget", err)
	}

	p := &pageConn{id: id, sessionID: sid, cdp: cur.cdp, owner: cur, timeout: c.callTimeout}
	p.unregister = cur.cdp.registerEventHandler("Runtime.bindingCalled", p.onBinding)
	cur.track(p)

	steps := []struct {
		method string
		params any
	}{
		{"Runtime.enable", nil},
		{"Runtime.addBinding", map[string]string{"name": bindingName}},
		{"Page.enable", nil},
		{"Page.addScriptToEvaluateOnNewDocument", map[string]string{"source": pageShim}},
	}
	for _, step := range steps {
		if _, err := cur.cdp.sendFlat(callCtx, sid, step.method, step.params); err != nil {
			_ = p.Close()
			return nil, c.classify(callCtx, cur.cdp, step.method, err)
		}
	}
	if err := cur.cdp.evaluate(callCtx, sid, pageShim); err != nil {
		_ = p.Close()
		return nil, c.classify(callCtx, cur.cdp, "Runtime.evaluate", err)
	}

	slog.Debug("cdpcontrol page bridge installed", "tab_id", id, "session_id", sid)
	return p, nil
}

// pageConn is the message surface of one attached page.
type pageConn struct {
	id        tabs.ID
	sessionID string
	cdp       *rawCDP
	owner     *conn
	timeout   time.Duration

	mu         sync.Mutex
	handler    func(raw []byte)
	closed     bool
	unregister func()
}

func (p *pageConn) onBinding(sessionID string, params json.RawMessage) {
	if sessionID != p.sessionID {
		return
	}
	var ev struct {
		Name    string `json:"name"`
		Payload string `json:"payload"`
	}
	if json.Unmarshal(params, &ev) != nil || ev.Name != bindingName {
		return
	}
	p.mu.Lock()
	fn, closed := p.handler, p.closed
	p.mu.Unlock()
	if fn == nil || closed {
		return
	}
	fn([]byte(ev.Payload))
}

func (p *pageConn) OnMessage(fn func(raw []byte)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// Post delivers payload to the page as a window message.
func (p *pageConn) Post(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errPageClosed
	}
	if !json.Valid(payload) {
		return newError(CodeValidation, "payload is not valid JSON", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	js := "window.postMessage(" + string(payload) + `, "*")`
	if err := p.cdp.evaluate(callCtx, p.sessionID, js); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(CodeTimeout, "post to page timed out", err)
		}
		return newError(CodeCDPFailure, "post to page failed", err)
	}
	return nil
}

// Close detaches the session. The tab stays open.
func (p *pageConn) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	unregister := p.unregister
	p.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	if p.owner != nil {
		p.owner.untrack(p)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.cdp.detachFromTarget(ctx, p.sessionID); err != nil {
		slog.Debug("cdpcontrol page detach failed", "tab_id", p.id, "session_id", p.sessionID, "error", err)
	}
	return nil
}
