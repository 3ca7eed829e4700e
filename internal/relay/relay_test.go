package relay

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeChannel struct {
	mu      sync.Mutex
	alive   bool
	errs    []error
	result  protocol.Result
	sent    [][]byte
	block   chan struct{}
	started chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{alive: true, result: protocol.OK()}
}

func (c *fakeChannel) ExtensionID() string { return "ext-1" }

func (c *fakeChannel) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeChannel) setAlive(v bool) {
	c.mu.Lock()
	c.alive = v
	c.mu.Unlock()
}

func (c *fakeChannel) Send(ctx context.Context, payload []byte) (protocol.Result, error) {
	c.mu.Lock()
	c.sent = append(c.sent, payload)
	block, started := c.block, c.started
	var err error
	if len(c.errs) > 0 {
		err, c.errs = c.errs[0], c.errs[1:]
	}
	res := c.result
	c.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return protocol.Result{}, err
	}
	return res, nil
}

func (c *fakeChannel) sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeSurface struct {
	mu    sync.Mutex
	posts []string
}

func (s *fakeSurface) Post(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	s.posts = append(s.posts, string(payload))
	s.mu.Unlock()
	return nil
}

func (s *fakeSurface) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.posts...)
}

func fastConfig() Config {
	return Config{RetryDelay: time.Millisecond, LivenessInterval: 5 * time.Millisecond}
}

func TestRelayDeliverTagsMessages(t *testing.T) {
	s := &fakeSurface{}
	a := New(newFakeChannel(), s, fastConfig())

	require.NoError(t, a.Deliver(context.Background(), []byte(`{"type":"TABS_UPDATED","tabs":[]}`)))

	posts := s.all()
	require.Len(t, posts, 1)
	assert.JSONEq(t, `{"type":"TABS_UPDATED","tabs":[],"source":"startup-extension"}`, posts[0])
}

func TestRelayForwardsAndPostsOneResult(t *testing.T) {
	ch := newFakeChannel()
	ch.result = protocol.Result{Success: true, TabID: "5"}
	s := &fakeSurface{}
	a := New(ch, s, fastConfig())

	a.HandlePageMessage(context.Background(), []byte(`{"source":"webapp","type":"CREATE_TAB","url":"https://x/"}`))

	assert.Equal(t, 1, ch.sends())
	posts := s.all()
	require.Len(t, posts, 1)
	assert.JSONEq(t, `{"success":true,"tabId":"5","source":"startup-extension"}`, posts[0])
}

func TestRelayGivesUpAfterThreeInvalidations(t *testing.T) {
	ch := newFakeChannel()
	ch.errs = []error{protocol.ErrContextInvalidated, protocol.ErrContextInvalidated, protocol.ErrContextInvalidated}
	s := &fakeSurface{}
	a := New(ch, s, fastConfig())

	a.HandlePageMessage(context.Background(), []byte(`{"source":"webapp","type":"PING"}`))

	assert.Equal(t, 3, ch.sends())
	posts := s.all()
	require.Len(t, posts, 1)
	assert.False(t, gjson.Get(posts[0], "success").Bool())
	assert.Contains(t, gjson.Get(posts[0], "error").String(), "Extension context invalidated")
	retries, _ := a.Stats()
	assert.Equal(t, int64(2), retries)
}

func TestRelayStopsRetryingAfterSuccess(t *testing.T) {
	ch := newFakeChannel()
	ch.errs = []error{protocol.ErrContextInvalidated}
	s := &fakeSurface{}
	a := New(ch, s, fastConfig())

	a.HandlePageMessage(context.Background(), []byte(`{"source":"webapp","type":"PING"}`))

	assert.Equal(t, 2, ch.sends())
	posts := s.all()
	require.Len(t, posts, 1)
	assert.True(t, gjson.Get(posts[0], "success").Bool())
}

func TestRelayRetriesThroughResolvedChannel(t *testing.T) {
	dead := newFakeChannel()
	dead.errs = []error{protocol.ErrContextInvalidated, protocol.ErrContextInvalidated, protocol.ErrContextInvalidated}
	fresh := newFakeChannel()
	fresh.result = protocol.Result{Success: true, TabID: "7"}
	s := &fakeSurface{}
	a := New(dead, s, fastConfig()).WithResolver(func() Channel { return fresh })

	a.HandlePageMessage(context.Background(), []byte(`{"source":"webapp","type":"FIND_TAB","url":"https://x/"}`))

	assert.Equal(t, 1, dead.sends())
	assert.Equal(t, 1, fresh.sends())
	posts := s.all()
	require.Len(t, posts, 1)
	assert.JSONEq(t, `{"success":true,"tabId":"7","source":"startup-extension"}`, posts[0])
}

func TestRelayRepliesWhenCancelledMidRetry(t *testing.T) {
	ch := newFakeChannel()
	ch.errs = []error{protocol.ErrContextInvalidated, protocol.ErrContextInvalidated, protocol.ErrContextInvalidated}
	s := &fakeSurface{}
	cfg := fastConfig()
	cfg.RetryDelay = time.Hour
	a := New(ch, s, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.HandlePageMessage(ctx, []byte(`{"source":"webapp","type":"PING"}`))
	}()
	require.Eventually(t, func() bool { return ch.sends() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after cancel")
	}
	posts := s.all()
	require.Len(t, posts, 1)
	assert.False(t, gjson.Get(posts[0], "success").Bool())
	assert.Contains(t, gjson.Get(posts[0], "error").String(), "context canceled")
}

func TestRelayDoesNotRetryOtherErrors(t *testing.T) {
	ch := newFakeChannel()
	ch.errs = []error{errors.New("No tab with id: 9.")}
	s := &fakeSurface{}
	a := New(ch, s, fastConfig())

	a.HandlePageMessage(context.Background(), []byte(`{"source":"webapp","type":"CLOSE_TAB","tabId":9}`))

	assert.Equal(t, 1, ch.sends())
	posts := s.all()
	require.Len(t, posts, 1)
	assert.Equal(t, "No tab with id: 9.", gjson.Get(posts[0], "error").String())
}

func TestRelayIgnoresForeignAndLoopedMessages(t *testing.T) {
	ch := newFakeChannel()
	s := &fakeSurface{}
	a := New(ch, s, fastConfig())
	ctx := context.Background()

	a.HandlePageMessage(ctx, []byte(`{"source":"startup-extension","type":"TABS_UPDATED"}`))
	a.HandlePageMessage(ctx, []byte(`{"source":"other","type":"PING"}`))
	a.HandlePageMessage(ctx, []byte(`{"type":"PING"}`))
	a.HandlePageMessage(ctx, []byte(`not json`))

	assert.Zero(t, ch.sends())
	assert.Empty(t, s.all())
}

func TestRelayRejectsMalformedMessages(t *testing.T) {
	ch := newFakeChannel()
	s := &fakeSurface{}
	cfg := fastConfig()
	cfg.ExtensionID = "ext-1"
	a := New(ch, s, cfg)
	ctx := context.Background()

	a.HandlePageMessage(ctx, []byte(`{"source":"webapp","type":"PING"}`))
	a.HandlePageMessage(ctx, []byte(`{"source":"webapp","type":"PING","extensionId":"someone-else"}`))
	a.HandlePageMessage(ctx, []byte(`{"source":"webapp","extensionId":"ext-1"}`))
	a.HandlePageMessage(ctx, []byte(`{"source":"webapp","type":"PING","extensionId":"ext-1"}`))

	assert.Equal(t, 1, ch.sends())
	posts := s.all()
	require.Len(t, posts, 3)
	assert.Equal(t, "message has no extensionId", gjson.Get(posts[0], "error").String())
	assert.Equal(t, "message has no type", gjson.Get(posts[1], "error").String())
	assert.True(t, gjson.Get(posts[2], "success").Bool())
}

func TestRelayReportsDeadChannelWithoutSending(t *testing.T) {
	ch := newFakeChannel()
	ch.setAlive(false)
	s := &fakeSurface{}
	a := New(ch, s, fastConfig())

	a.HandlePageMessage(context.Background(), []byte(`{"source":"webapp","type":"GET_CURRENT_TABS"}`))

	assert.Zero(t, ch.sends())
	posts := s.all()
	require.Len(t, posts, 1)
	assert.JSONEq(t, `{"success":false,"error":"Extension context invalid","source":"startup-extension"}`, posts[0])
}

func TestRelayDropsMessageWhileBusy(t *testing.T) {
	ch := newFakeChannel()
	ch.block = make(chan struct{})
	ch.started = make(chan struct{})
	s := &fakeSurface{}
	a := New(ch, s, fastConfig())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.HandlePageMessage(ctx, []byte(`{"source":"webapp","type":"SORT_TABS_BY_DOMAIN"}`))
	}()
	<-ch.started
	assert.True(t, a.Busy())

	a.HandlePageMessage(ctx, []byte(`{"source":"webapp","type":"PING"}`))
	close(ch.block)
	<-done

	assert.Equal(t, 1, ch.sends())
	assert.Len(t, s.all(), 1)
	_, dropped := a.Stats()
	assert.Equal(t, int64(1), dropped)
	assert.False(t, a.Busy())
}

func TestRelayRunAnnouncesAndReportsInvalidation(t *testing.T) {
	ch := newFakeChannel()
	s := &fakeSurface{}
	a := New(ch, s, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return ch.sends() == 1 }, time.Second, time.Millisecond)
	ch.mu.Lock()
	assert.JSONEq(t, `{"type":"CONTENT_SCRIPT_READY"}`, string(ch.sent[0]))
	ch.mu.Unlock()

	ch.setAlive(false)
	require.Eventually(t, func() bool { return len(s.all()) > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, protocol.ContextInvalidMessage, gjson.Get(s.all()[0], "error").String())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, RetryPolicy{Attempts: 5, Delay: time.Hour, Retryable: func(error) bool { return true }},
		func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, errors.New("boom")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{MaxAttempts: -1}.Validate())
	assert.Error(t, Config{RetryDelay: -time.Second}.Validate())

	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultRetryDelay, cfg.RetryDelay)
	assert.Equal(t, DefaultLivenessInterval, cfg.LivenessInterval)
}

func TestBrokerFanOutAndSSE(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?feeds=tabs", nil)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, time.Millisecond)
	b.Publish(Event{Feed: FeedCommands, Payload: `{"kind":"PING"}`})
	require.NoError(t, b.PublishJSON(FeedTabs, map[string]int{"count": 2}))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	assert.Equal(t, []string{"id: 2", "event: tabs", `data: {"count":2}`}, lines)
	assert.EqualValues(t, 2, b.Published())

	cancel()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, time.Second, time.Millisecond)
}
