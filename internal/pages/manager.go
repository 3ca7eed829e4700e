// Package pages attaches a relay agent to every open companion page and
// routes privileged messages to them.
package pages

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

// ErrNoReceiver is returned by SendToTab when no relay is attached to the
// tab. The text matches the browser's.
var ErrNoReceiver = errors.New("Could not establish connection. Receiving end does not exist.")

// PageConn is a live messaging surface inside one page.
type PageConn interface {
	Post(ctx context.Context, payload []byte) error
	// OnMessage registers the handler for page-originated messages. It is
	// called on the transport's goroutine and must not block.
	OnMessage(fn func(raw []byte))
	Close() error
}

// SurfaceFactory opens the messaging surface of a tab.
type SurfaceFactory interface {
	OpenPage(ctx context.Context, id tabs.ID) (PageConn, error)
}

// ChannelSource issues a privileged channel for a new relay.
type ChannelSource func() relay.Channel

// Publisher forwards relay lifecycle notifications to observers.
type Publisher interface {
	PublishJSON(feed string, v any) error
}

// Options wires a Manager.
type Options struct {
	Directory tabs.Directory
	Factory   SurfaceFactory
	Origins   *tabs.Matcher
	Relay     relay.Config
	Publisher Publisher
	Logger    *slog.Logger
}

// Lifecycle values of PageEvent.
const (
	PageAttached = "attached"
	PageDetached = "detached"
)

// PageEvent is published on relay.FeedPages when a relay comes or goes.
type PageEvent struct {
	Event       string  `json:"event"`
	TabID       tabs.ID `json:"tab_id"`
	URL         string  `json:"url,omitempty"`
	ExtensionID string  `json:"extension_id,omitempty"`
}

// PageInfo describes an attached page.
type PageInfo struct {
	TabID       tabs.ID   `json:"tab_id"`
	URL         string    `json:"url"`
	ExtensionID string    `json:"extension_id"`
	AttachedAt  time.Time `json:"attached_at"`
	Busy        bool      `json:"busy"`
	Retries     int64     `json:"retries"`
	Dropped     int64     `json:"dropped"`
}

type page struct {
	id         tabs.ID
	url        string
	conn       PageConn
	agent      *relay.Agent
	channel    relay.Channel
	attachedAt time.Time

	// ctx scopes page message handlers; runCancel stops only the liveness
	// loop.
	ctx       context.Context
	cancel    context.CancelFunc
	runCancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	handlers sync.WaitGroup
	run      sync.WaitGroup
}

func (p *page) dispatch(raw []byte) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.handlers.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.handlers.Done()
		p.agent.HandlePageMessage(p.ctx, raw)
	}()
}

// stop lets in-flight page messages finish their retries and post their
// results before the connection is closed. Manager.Close cancels the
// handlers first, so they end with a failure result instead.
func (p *page) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.runCancel()
	p.run.Wait()
	p.handlers.Wait()
	p.cancel()
	_ = p.conn.Close()
}

// surface adapts a PageConn to relay.Surface.
type surface struct{ conn PageConn }

func (s surface) Post(ctx context.Context, payload []byte) error { return s.conn.Post(ctx, payload) }

// Manager keeps one relay per companion page.
type Manager struct {
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	source      ChannelSource
	pages       map[tabs.ID]*page
	closed      bool
	attaching   sync.WaitGroup
	unsubscribe func()
}

// New builds a manager. Relays are only attached after Start.
func New(opts Options, source ChannelSource) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		log:    log.With("component", "pages"),
		ctx:    ctx,
		cancel: cancel,
		source: source,
		pages:  make(map[tabs.ID]*page),
	}
}

// Start subscribes to lifecycle events and attaches to the companion pages
// already open.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.unsubscribe = m.opts.Directory.Subscribe(m.OnEvent)
	m.mu.Unlock()
	return m.Resync(ctx)
}

// Resync attaches a fresh relay to every open companion page, replacing
// existing ones, and drops relays whose tab is gone.
func (m *Manager) Resync(ctx context.Context) error {
	list, err := m.opts.Directory.Query(ctx, tabs.Query{URLs: m.opts.Origins})
	if err != nil {
		return err
	}
	open := make(map[tabs.ID]bool, len(list))
	for _, t := range list {
		open[t.ID] = true
		m.attachAsync(t.ID, t.URL)
	}

	m.mu.Lock()
	var stale []*page
	for id, p := range m.pages {
		if !open[id] {
			stale = append(stale, p)
			delete(m.pages, id)
		}
	}
	m.mu.Unlock()
	for _, p := range stale {
		p.stop()
	}
	m.log.Info("pages resynced", "companion_pages", len(list))
	return nil
}

// Rebind makes new relays use src. Relays already attached keep their old
// channel and report it invalid once it dies; their retries go through src.
func (m *Manager) Rebind(src ChannelSource) {
	m.mu.Lock()
	m.source = src
	m.mu.Unlock()
}

// channel issues a channel from the current source.
func (m *Manager) channel() relay.Channel {
	m.mu.Lock()
	src := m.source
	m.mu.Unlock()
	return src()
}

// OnEvent reacts to a tab lifecycle event.
func (m *Manager) OnEvent(ev tabs.Event) {
	switch ev.Kind {
	case tabs.EventRemoved:
		m.detach(ev.TabID)
	case tabs.EventCreated, tabs.EventUpdated:
		if !m.opts.Origins.Match(ev.Tab.URL) {
			m.detach(ev.TabID)
			return
		}
		if ev.Kind == tabs.EventUpdated && ev.Status != tabs.StatusComplete {
			return
		}
		m.attachAsync(ev.TabID, ev.Tab.URL)
	}
}

func (m *Manager) attachAsync(id tabs.ID, url string) {
	m.mu.Lock()
	if m.closed || m.opts.Factory == nil {
		m.mu.Unlock()
		return
	}
	m.attaching.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.attaching.Done()
		if err := m.attach(id, url); err != nil {
			m.log.Debug("pages attach failed", "tab_id", id, "url", url, "error", err)
		}
	}()
}

func (m *Manager) attach(id tabs.ID, url string) error {
	conn, err := m.opts.Factory.OpenPage(m.ctx, id)
	if err != nil {
		return err
	}

	ch := m.channel()
	agent := relay.New(ch, surface{conn}, m.opts.Relay).
		WithLogger(m.log.With("tab_id", id)).
		WithResolver(m.channel)
	ctx, cancel := context.WithCancel(m.ctx)
	runCtx, runCancel := context.WithCancel(ctx)
	p := &page{
		id:         id,
		url:        url,
		conn:       conn,
		agent:      agent,
		channel:    ch,
		attachedAt: time.Now().UTC(),
		ctx:        ctx,
		cancel:     cancel,
		runCancel:  runCancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		return context.Canceled
	}
	old := m.pages[id]
	m.pages[id] = p
	p.run.Add(1)
	m.mu.Unlock()

	conn.OnMessage(p.dispatch)
	go func() {
		defer p.run.Done()
		_ = agent.Run(runCtx)
	}()
	if old != nil {
		old.stop()
	}
	m.log.Info("pages relay attached", "tab_id", id, "url", url)
	m.publish(PageEvent{Event: PageAttached, TabID: id, URL: url, ExtensionID: ch.ExtensionID()})
	return nil
}

func (m *Manager) publish(ev PageEvent) {
	if m.opts.Publisher == nil {
		return
	}
	if err := m.opts.Publisher.PublishJSON(relay.FeedPages, ev); err != nil {
		m.log.Debug("pages publish failed", "error", err)
	}
}

// detach forgets the relay of tab id at once and stops it in the
// background, so event delivery never waits on in-flight page messages.
func (m *Manager) detach(id tabs.ID) {
	m.mu.Lock()
	p, ok := m.pages[id]
	if ok {
		delete(m.pages, id)
		m.attaching.Add(1)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		defer m.attaching.Done()
		p.stop()
		m.log.Info("pages relay detached", "tab_id", id)
		m.publish(PageEvent{Event: PageDetached, TabID: id, URL: p.url})
	}()
}

// SendToTab delivers payload to the relay attached to tab id.
func (m *Manager) SendToTab(ctx context.Context, id tabs.ID, payload []byte) error {
	m.mu.Lock()
	p := m.pages[id]
	m.mu.Unlock()
	if p == nil {
		return ErrNoReceiver
	}
	return p.agent.Deliver(ctx, payload)
}

// List returns the attached pages ordered by tab id.
func (m *Manager) List() []PageInfo {
	m.mu.Lock()
	out := make([]PageInfo, 0, len(m.pages))
	for _, p := range m.pages {
		retries, dropped := p.agent.Stats()
		out = append(out, PageInfo{
			TabID:       p.id,
			URL:         p.url,
			ExtensionID: p.channel.ExtensionID(),
			AttachedAt:  p.attachedAt,
			Busy:        p.agent.Busy(),
			Retries:     retries,
			Dropped:     dropped,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Attached reports whether a relay is attached to tab id.
func (m *Manager) Attached(id tabs.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pages[id]
	return ok
}

// Close detaches every relay and stops reacting to events.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	pages := m.pages
	m.pages = make(map[tabs.ID]*page)
	m.mu.Unlock()

	m.cancel()
	m.attaching.Wait()
	for _, p := range pages {
		p.stop()
	}
	return nil
}
