package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/background"
	"github.com/dgnsrekt/tabrelay/internal/cdpcontrol"
	"github.com/dgnsrekt/tabrelay/internal/controller"
	"github.com/dgnsrekt/tabrelay/internal/pages"
	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
	"github.com/tidwall/gjson"
)

type stubService struct {
	listErr     error
	dispatched  []string
	dispatchErr error
	health      controller.Health
	reloads     int
}

func (s *stubService) ListTabs(ctx context.Context) ([]tabs.Snapshot, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return []tabs.Snapshot{{ID: "3", Title: "Inbox", URL: "https://mail.example/"}}, nil
}

func (s *stubService) Dispatch(ctx context.Context, payload []byte) (protocol.Result, error) {
	if s.dispatchErr != nil {
		return protocol.Result{}, s.dispatchErr
	}
	s.dispatched = append(s.dispatched, string(payload))
	if gjson.GetBytes(payload, "type").String() == "SWITCH_TO_TAB" {
		return protocol.Fail(&tabs.NotFoundError{ID: "99"}), nil
	}
	return protocol.OK(), nil
}

func (s *stubService) RunShortcut(ctx context.Context, name string) ([]protocol.Result, error) {
	if name != background.ShortcutOpenSpaceList {
		return nil, fmt.Errorf("%w: %s", background.ErrUnknownShortcut, name)
	}
	return []protocol.Result{protocol.OK(), protocol.OK()}, nil
}

func (s *stubService) Shortcuts() []string { return []string{background.ShortcutOpenSpaceList} }

func (s *stubService) Identity() controller.Identity {
	return controller.Identity{ExtensionID: "ext-1", Reloads: s.reloads, StartedAt: time.Unix(0, 0).UTC()}
}

func (s *stubService) Reload(ctx context.Context) (controller.Identity, error) {
	s.reloads++
	return s.Identity(), nil
}

func (s *stubService) ListPages() []pages.PageInfo {
	return []pages.PageInfo{{TabID: "3", URL: "http://localhost:3000/", ExtensionID: "ext-1"}}
}

func (s *stubService) Health() controller.Health { return s.health }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := do(t, h, http.MethodGet, "/docs", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
	if !strings.Contains(body, `/docs/events`) {
		t.Fatalf("docs missing observer feed link")
	}
}

func TestListTabs(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := do(t, h, http.MethodGet, "/api/v1/tabs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := gjson.Get(w.Body.String(), "tabs.0.url").String(); got != "https://mail.example/" {
		t.Fatalf("tabs.0.url = %q", got)
	}
}

func TestDispatchCommandPassesRawEnvelope(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, nil)

	w := do(t, h, http.MethodPost, "/api/v1/commands", `{"type":"PING"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(svc.dispatched) != 1 || svc.dispatched[0] != `{"type":"PING"}` {
		t.Fatalf("dispatched = %v", svc.dispatched)
	}
	if !gjson.Get(w.Body.String(), "success").Bool() {
		t.Fatalf("body = %s; want success", w.Body.String())
	}

	// Command-level failures are part of the result, not an HTTP error.
	w = do(t, h, http.MethodPost, "/api/v1/commands", `{"type":"SWITCH_TO_TAB","tabId":99}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := gjson.Get(w.Body.String(), "error").String(); got != "No tab with id: 99." {
		t.Fatalf("error = %q", got)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: "command is required"}, http.StatusBadRequest},
		{"not found", &tabs.NotFoundError{ID: "4"}, http.StatusNotFound},
		{"not running", controller.ErrNotRunning, http.StatusServiceUnavailable},
		{"cdp down", &cdpcontrol.CodedError{Code: cdpcontrol.CodeCDPUnavailable, Message: "dial"}, http.StatusBadGateway},
		{"timeout", &cdpcontrol.CodedError{Code: cdpcontrol.CodeTimeout, Message: "slow"}, http.StatusGatewayTimeout},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewServer(&stubService{dispatchErr: tc.err}, nil)
			w := do(t, h, http.MethodPost, "/api/v1/commands", `{"type":"PING"}`)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestShortcutEndpoints(t *testing.T) {
	h := NewServer(&stubService{}, nil)

	w := do(t, h, http.MethodGet, "/api/v1/shortcuts", "")
	if got := gjson.Get(w.Body.String(), "shortcuts.0").String(); got != background.ShortcutOpenSpaceList {
		t.Fatalf("shortcuts.0 = %q", got)
	}

	w = do(t, h, http.MethodPost, "/api/v1/shortcuts/"+background.ShortcutOpenSpaceList, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if n := gjson.Get(w.Body.String(), "results.#").Int(); n != 2 {
		t.Fatalf("results = %d, want 2", n)
	}

	w = do(t, h, http.MethodPost, "/api/v1/shortcuts/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestReloadAndIdentity(t *testing.T) {
	h := NewServer(&stubService{}, nil)
	w := do(t, h, http.MethodPost, "/api/v1/reload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/api/v1/identity", "")
	body := w.Body.String()
	if gjson.Get(body, "extension_id").String() != "ext-1" || gjson.Get(body, "reloads").Int() != 1 {
		t.Fatalf("identity = %s", body)
	}

	w = do(t, h, http.MethodGet, "/api/v1/pages", "")
	if got := gjson.Get(w.Body.String(), "pages.0.tab_id").String(); got != "3" {
		t.Fatalf("pages.0.tab_id = %q", got)
	}
}

func TestHealthReportsDegraded(t *testing.T) {
	h := NewServer(&stubService{health: controller.Health{AgentAlive: true}}, nil)
	w := do(t, h, http.MethodGet, "/health", "")
	if got := gjson.Get(w.Body.String(), "status").String(); got != "degraded" {
		t.Fatalf("status = %q, want degraded", got)
	}

	h = NewServer(&stubService{health: controller.Health{AgentAlive: true, BrowserConnected: true}}, nil)
	w = do(t, h, http.MethodGet, "/health", "")
	if got := gjson.Get(w.Body.String(), "status").String(); got != "ok" {
		t.Fatalf("status = %q, want ok", got)
	}
}

func TestEventsRouteNeedsBroker(t *testing.T) {
	w := do(t, NewServer(&stubService{}, nil), http.MethodGet, "/api/v1/events", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status without broker = %d, want 404", w.Code)
	}

	broker := relay.NewBroker()
	srv := httptest.NewServer(NewServer(&stubService{}, broker))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?feeds=tabs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
}
