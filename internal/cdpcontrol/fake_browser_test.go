package cdpcontrol

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type fakeTarget struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Window int64  `json:"-"`
}

type fakeCall struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// fakeBrowser speaks just enough DevTools protocol for the client: the
// /json endpoints over HTTP and browser-level commands over a WebSocket.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	targets []fakeTarget // newest first, like /json/list
	calls   []fakeCall
	conns   []net.Conn
	nextID  int
	fail    map[string]string
	window  int64

	writeMu sync.Mutex
}

func newFakeBrowser(t *testing.T, targets ...fakeTarget) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t, targets: targets, fail: make(map[string]string), window: 7}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(fb.targets)
	})
	mux.HandleFunc("/devtools/browser/fake", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		fb.dropConnections()
		fb.srv.Close()
	})
	return fb
}

func (fb *fakeBrowser) URL() string { return fb.srv.URL }

func (fb *fakeBrowser) failNext(method, message string) {
	fb.mu.Lock()
	fb.fail[method] = message
	fb.mu.Unlock()
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conns = append(fb.conns, conn)
	fb.mu.Unlock()
	defer conn.Close()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		result, after, errMsg := fb.handle(req.Method, req.SessionID, req.Params)
		resp := map[string]any{"id": req.ID}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		if errMsg != "" {
			resp["error"] = map[string]any{"code": -32000, "message": errMsg}
		} else {
			resp["result"] = result
		}
		fb.write(conn, resp)
		for _, ev := range after {
			fb.write(conn, ev)
		}
	}
}

func (fb *fakeBrowser) handle(method, sessionID string, params json.RawMessage) (any, []map[string]any, string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.calls = append(fb.calls, fakeCall{Method: method, SessionID: sessionID, Params: params})
	if msg, ok := fb.fail[method]; ok {
		delete(fb.fail, method)
		return nil, nil, msg
	}

	var p struct {
		TargetID string `json:"targetId"`
		URL      string `json:"url"`
	}
	_ = json.Unmarshal(params, &p)

	switch method {
	case "Browser.getWindowForTarget":
		for _, t := range fb.targets {
			if t.ID == p.TargetID && t.Window != 0 {
				return map[string]any{"windowId": t.Window}, nil, ""
			}
		}
		return map[string]any{"windowId": fb.window}, nil, ""
	case "Target.createTarget":
		fb.nextID++
		t := fakeTarget{ID: fmt.Sprintf("created-%d", fb.nextID), Type: "page", Title: p.URL, URL: p.URL}
		fb.targets = append([]fakeTarget{t}, fb.targets...)
		return map[string]any{"targetId": t.ID}, []map[string]any{targetEvent("Target.targetCreated", t)}, ""
	case "Target.closeTarget":
		for i, t := range fb.targets {
			if t.ID == p.TargetID {
				fb.targets = append(fb.targets[:i:i], fb.targets[i+1:]...)
				ev := map[string]any{"method": "Target.targetDestroyed", "params": map[string]any{"targetId": t.ID}}
				return map[string]any{"success": true}, []map[string]any{ev}, ""
			}
		}
		return nil, nil, "No target with given id found"
	case "Target.attachToTarget":
		return map[string]any{"sessionId": "session-" + p.TargetID}, nil, ""
	case "Runtime.evaluate":
		return map[string]any{"result": map[string]any{"type": "undefined"}}, nil, ""
	case "Page.addScriptToEvaluateOnNewDocument":
		return map[string]any{"identifier": "1"}, nil, ""
	default:
		return map[string]any{}, nil, ""
	}
}

func targetEvent(method string, t fakeTarget) map[string]any {
	return map[string]any{
		"method": method,
		"params": map[string]any{
			"targetInfo": map[string]any{
				"targetId": t.ID,
				"type":     t.Type,
				"title":    t.Title,
				"url":      t.URL,
				"attached": false,
			},
		},
	}
}

func (fb *fakeBrowser) write(conn net.Conn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		fb.t.Errorf("marshal fake message: %v", err)
		return
	}
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = wsutil.WriteServerText(conn, data)
}

// emit pushes an event to every open connection.
func (fb *fakeBrowser) emit(msg map[string]any) {
	fb.mu.Lock()
	conns := append([]net.Conn(nil), fb.conns...)
	fb.mu.Unlock()
	for _, c := range conns {
		fb.write(c, msg)
	}
}

func (fb *fakeBrowser) dropConnections() {
	fb.mu.Lock()
	conns := fb.conns
	fb.conns = nil
	fb.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (fb *fakeBrowser) callsTo(method string) []fakeCall {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []fakeCall
	for _, c := range fb.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (fb *fakeBrowser) evaluated(sessionID, substr string) bool {
	for _, c := range fb.callsTo("Runtime.evaluate") {
		var p struct {
			Expression string `json:"expression"`
		}
		if json.Unmarshal(c.Params, &p) != nil {
			continue
		}
		if c.SessionID == sessionID && strings.Contains(p.Expression, substr) {
			return true
		}
	}
	return false
}
