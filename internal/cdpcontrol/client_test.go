package cdpcontrol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

type eventLog struct {
	mu     sync.Mutex
	events []tabs.Event
}

func (l *eventLog) add(ev tabs.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) find(kind tabs.EventKind, id tabs.ID) (tabs.Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && ev.TabID == id {
			return ev, true
		}
	}
	return tabs.Event{}, false
}

func (l *eventLog) count(kind tabs.EventKind, id tabs.ID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind && ev.TabID == id {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectClient(t *testing.T, fb *fakeBrowser, opts Options) (*Client, *eventLog) {
	t.Helper()
	opts.URL = fb.URL()
	if opts.CallTimeout == 0 {
		opts.CallTimeout = time.Second
	}
	c := NewClient(opts)
	log := &eventLog{}
	c.Subscribe(log.add)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, log
}

func urls(list []tabs.Tab) []string {
	out := make([]string, 0, len(list))
	for _, t := range list {
		out = append(out, t.URL)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClientSyncsExistingPageTargets(t *testing.T) {
	fb := newFakeBrowser(t,
		fakeTarget{ID: "b", Type: "page", Title: "B", URL: "https://b.example/"},
		fakeTarget{ID: "sw", Type: "service_worker", URL: "chrome-extension://x/sw.js"},
		fakeTarget{ID: "a", Type: "page", Title: "A", URL: "https://a.example/"},
	)
	c, log := connectClient(t, fb, Options{})
	ctx := context.Background()

	list, err := c.Query(ctx, tabs.Query{})
	if err != nil {
		t.Fatalf("Query() = %v", err)
	}
	if got, want := urls(list), []string{"https://a.example/", "https://b.example/"}; !equalStrings(got, want) {
		t.Fatalf("Query() urls = %v; want %v", got, want)
	}
	if list[0].WindowID != 7 || list[0].Index != 0 || list[1].Index != 1 {
		t.Fatalf("unexpected placement: %+v", list)
	}

	w, err := c.CurrentWindow(ctx)
	if err != nil || w != 7 {
		t.Fatalf("CurrentWindow() = (%d, %v); want (7, nil)", w, err)
	}
	for _, id := range []tabs.ID{"a", "b"} {
		if _, ok := log.find(tabs.EventCreated, id); !ok {
			t.Fatalf("missing created event for %s", id)
		}
	}
	if len(fb.callsTo("Target.setDiscoverTargets")) != 1 {
		t.Fatal("expected target discovery to be enabled once")
	}
	if !c.Connected() {
		t.Fatal("Connected() = false after Connect")
	}
}

func TestClientCreateActivateRemove(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "a", Type: "page", URL: "https://a.example/"})
	c, log := connectClient(t, fb, Options{})
	ctx := context.Background()

	created, err := c.Create(ctx, tabs.CreateOptions{URL: "https://new.example/", Active: true, Index: 0})
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if created.Index != 0 || !created.Active || created.URL != "https://new.example/" {
		t.Fatalf("Create() = %+v", created)
	}
	waitFor(t, "created event", func() bool { return log.count(tabs.EventCreated, created.ID) == 1 })

	list, _ := c.Query(ctx, tabs.Query{})
	if got, want := urls(list), []string{"https://new.example/", "https://a.example/"}; !equalStrings(got, want) {
		t.Fatalf("Query() urls = %v; want %v", got, want)
	}

	if err := c.Activate(ctx, "a"); err != nil {
		t.Fatalf("Activate() = %v", err)
	}
	a, _ := c.Get(ctx, "a")
	n, _ := c.Get(ctx, created.ID)
	if !a.Active || n.Active {
		t.Fatalf("active flags = (a:%v, new:%v); want (true, false)", a.Active, n.Active)
	}
	if len(fb.callsTo("Target.activateTarget")) != 1 {
		t.Fatal("expected one Target.activateTarget call")
	}

	if err := c.Remove(ctx, created.ID); err != nil {
		t.Fatalf("Remove() = %v", err)
	}
	if _, err := c.Get(ctx, created.ID); !errors.Is(err, tabs.ErrNotFound) {
		t.Fatalf("Get() after Remove = %v; want ErrNotFound", err)
	}
	waitFor(t, "removed event", func() bool { return log.count(tabs.EventRemoved, created.ID) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := log.count(tabs.EventRemoved, created.ID); n != 1 {
		t.Fatalf("removed events = %d; want 1", n)
	}
}

func TestClientRemoveUnknownTabTouchesNothing(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "a", Type: "page", URL: "https://a.example/"})
	c, _ := connectClient(t, fb, Options{})

	err := c.Remove(context.Background(), "a", "ghost")
	var nf *tabs.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "ghost" {
		t.Fatalf("Remove() = %v; want NotFoundError for ghost", err)
	}
	if err.Error() != "No tab with id: ghost." {
		t.Fatalf("Remove() message = %q", err.Error())
	}
	if len(fb.callsTo("Target.closeTarget")) != 0 {
		t.Fatal("no target should have been closed")
	}
}

func TestClientTranslatesTargetEvents(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "a", Type: "page", Title: "A", URL: "https://a.example/"})
	c, log := connectClient(t, fb, Options{})
	ctx := context.Background()

	fb.emit(targetEvent("Target.targetCreated", fakeTarget{ID: "x", Type: "page", Title: "X", URL: "https://x.example/"}))
	waitFor(t, "discovered tab", func() bool { _, err := c.Get(ctx, "x"); return err == nil })

	fb.emit(targetEvent("Target.targetInfoChanged", fakeTarget{ID: "x", Type: "page", Title: "X", URL: "https://x.example/next"}))
	waitFor(t, "navigation update", func() bool {
		ev, ok := log.find(tabs.EventUpdated, "x")
		return ok && ev.Status == tabs.StatusComplete && ev.Tab.URL == "https://x.example/next"
	})

	fb.emit(targetEvent("Target.targetInfoChanged", fakeTarget{ID: "x", Type: "page", Title: "Renamed", URL: "https://x.example/next"}))
	waitFor(t, "title update", func() bool { return log.count(tabs.EventUpdated, "x") == 2 })
	log.mu.Lock()
	last := log.events[len(log.events)-1]
	log.mu.Unlock()
	if last.Status != "" || last.Tab.Title != "Renamed" {
		t.Fatalf("title-only update = %+v; want empty status", last)
	}

	fb.emit(targetEvent("Target.targetCreated", fakeTarget{ID: "w", Type: "worker", URL: "https://x.example/w.js"}))
	fb.emit(map[string]any{"method": "Target.targetDestroyed", "params": map[string]any{"targetId": "x"}})
	waitFor(t, "removed event", func() bool { return log.count(tabs.EventRemoved, "x") == 1 })
	if _, err := c.Get(ctx, "w"); !errors.Is(err, tabs.ErrNotFound) {
		t.Fatalf("worker targets must not become tabs, Get() = %v", err)
	}
}

func TestClientMoveAndPinnedPatterns(t *testing.T) {
	fb := newFakeBrowser(t,
		fakeTarget{ID: "c", Type: "page", URL: "https://c.example/"},
		fakeTarget{ID: "b", Type: "page", URL: "https://b.example/"},
		fakeTarget{ID: "p", Type: "page", URL: "https://mail.example/inbox"},
	)
	c, log := connectClient(t, fb, Options{Pinned: tabs.MustMatcher("https://mail.example/*")})
	ctx := context.Background()

	p, _ := c.Get(ctx, "p")
	if !p.Pinned {
		t.Fatal("tab matching a pinned pattern should be pinned")
	}
	if err := c.Move(ctx, "c", 1); err != nil {
		t.Fatalf("Move() = %v", err)
	}
	list, _ := c.Query(ctx, tabs.Query{})
	if got, want := urls(list), []string{"https://mail.example/inbox", "https://c.example/", "https://b.example/"}; !equalStrings(got, want) {
		t.Fatalf("after Move urls = %v; want %v", got, want)
	}
	if log.count(tabs.EventMoved, "c") != 1 {
		t.Fatal("expected one moved event")
	}
	if err := c.Move(ctx, "c", 1); err != nil {
		t.Fatalf("Move() = %v", err)
	}
	if log.count(tabs.EventMoved, "c") != 1 {
		t.Fatal("a no-op move must not emit")
	}
	if err := c.Move(ctx, "ghost", 0); !errors.Is(err, tabs.ErrNotFound) {
		t.Fatalf("Move(ghost) = %v; want ErrNotFound", err)
	}
}

func TestClientFocusWindow(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "a", Type: "page", URL: "https://a.example/"})
	c, _ := connectClient(t, fb, Options{})
	ctx := context.Background()

	if err := c.FocusWindow(ctx, 7); err != nil {
		t.Fatalf("FocusWindow(7) = %v", err)
	}
	if len(fb.callsTo("Target.activateTarget")) != 1 {
		t.Fatal("focusing a window should activate its active tab")
	}
	if err := c.FocusWindow(ctx, 99); err == nil || err.Error() != "No window with id: 99." {
		t.Fatalf("FocusWindow(99) = %v", err)
	}
}

func TestClientCodesCommandFailures(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "a", Type: "page", URL: "https://a.example/"})
	c, _ := connectClient(t, fb, Options{})

	fb.failNext("Target.activateTarget", "Target is closing")
	err := c.Activate(context.Background(), "a")
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeCDPFailure {
		t.Fatalf("Activate() = %v; want %s", err, CodeCDPFailure)
	}
}

func TestClientReconnectsAfterConnectionLoss(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "a", Type: "page", URL: "https://a.example/"})
	c, log := connectClient(t, fb, Options{})

	fb.mu.Lock()
	fb.targets = append([]fakeTarget{{ID: "late", Type: "page", URL: "https://late.example/"}}, fb.targets...)
	fb.mu.Unlock()
	fb.dropConnections()
	waitFor(t, "disconnect", func() bool { return !c.Connected() })

	list, err := c.Query(context.Background(), tabs.Query{})
	if err != nil {
		t.Fatalf("Query() after drop = %v", err)
	}
	if got, want := urls(list), []string{"https://a.example/", "https://late.example/"}; !equalStrings(got, want) {
		t.Fatalf("Query() urls = %v; want %v", got, want)
	}
	if _, ok := log.find(tabs.EventCreated, "late"); !ok {
		t.Fatal("resync should report tabs opened while disconnected")
	}
	if n := len(fb.callsTo("Target.setDiscoverTargets")); n != 2 {
		t.Fatalf("setDiscoverTargets calls = %d; want 2", n)
	}
}

func TestClientClosedRejectsCalls(t *testing.T) {
	fb := newFakeBrowser(t)
	c, _ := connectClient(t, fb, Options{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	_, err := c.Query(context.Background(), tabs.Query{})
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeCDPUnavailable {
		t.Fatalf("Query() after Close = %v; want %s", err, CodeCDPUnavailable)
	}
}

func TestConnectRequiresURL(t *testing.T) {
	err := NewClient(Options{}).Connect(context.Background())
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeCDPUnavailable {
		t.Fatalf("Connect() = %v; want %s", err, CodeCDPUnavailable)
	}
}
