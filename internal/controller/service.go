package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/background"
	"github.com/dgnsrekt/tabrelay/internal/cdpcontrol"
	"github.com/dgnsrekt/tabrelay/internal/pages"
	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

// ErrNotRunning is returned while no background agent is up, e.g. after a
// failed reload.
var ErrNotRunning = errors.New("background agent is not running")

// Options wires a Service. Directory, Store and Origins are required.
type Options struct {
	Directory  tabs.Directory
	Factory    pages.SurfaceFactory
	Store      background.KeyValueStore
	Journal    background.Recorder
	Broker     *relay.Broker
	Origins    *tabs.Matcher
	StartupURL string
	Delays     background.Delays
	Shortcuts  map[string]background.Shortcut
	Relay      relay.Config
	Logger     *slog.Logger
}

// Identity describes the running background agent.
type Identity struct {
	ExtensionID string    `json:"extension_id"`
	StartedAt   time.Time `json:"started_at"`
	Reloads     int       `json:"reloads"`
	Origins     []string  `json:"origins"`
	StartupURL  string    `json:"startup_url"`
}

// Health summarizes the bridge state.
type Health struct {
	AgentAlive       bool  `json:"agent_alive"`
	BrowserConnected bool  `json:"browser_connected"`
	Pages            int   `json:"pages"`
	Observers        int   `json:"observers"`
	Broadcasts       int64 `json:"broadcasts"`
}

// connector is implemented by directories backed by a live browser.
type connector interface {
	Connected() bool
}

// Service ties the background agent, the page relays and the observer feed
// together and exposes them to the HTTP API.
type Service struct {
	opts  Options
	log   *slog.Logger
	pages *pages.Manager

	mu      sync.RWMutex
	agent   *background.Agent
	reloads int
}

func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Directory == nil:
		return nil, errors.New("controller: directory is required")
	case opts.Store == nil:
		return nil, errors.New("controller: store is required")
	case opts.Origins == nil:
		return nil, errors.New("controller: allowed origins are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{opts: opts, log: opts.Logger.With("component", "controller")}
	po := pages.Options{
		Directory: opts.Directory,
		Factory:   opts.Factory,
		Origins:   opts.Origins,
		Relay:     opts.Relay,
		Logger:    opts.Logger,
	}
	if opts.Broker != nil {
		po.Publisher = opts.Broker
	}
	s.pages = pages.New(po, s.channel)
	return s, nil
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// channel issues relay channels from whichever agent is current.
func (s *Service) channel() relay.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.agent == nil {
		return deadChannel{}
	}
	return s.agent.Channel()
}

func (s *Service) startAgent(ctx context.Context) (*background.Agent, error) {
	opts := background.Options{
		Directory:  s.opts.Directory,
		Messenger:  s.pages,
		Store:      s.opts.Store,
		Journal:    s.opts.Journal,
		Origins:    s.opts.Origins,
		StartupURL: s.opts.StartupURL,
		Delays:     s.opts.Delays,
		Shortcuts:  s.opts.Shortcuts,
		Logger:     s.opts.Logger,
	}
	if s.opts.Broker != nil {
		opts.Publisher = s.opts.Broker
	}
	return background.Start(ctx, opts)
}

// Start brings up the background agent and attaches relays to the
// companion pages already open.
func (s *Service) Start(ctx context.Context) error {
	agent, err := s.startAgent(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.agent = agent
	s.mu.Unlock()
	return s.pages.Start(ctx)
}

// Reload replaces the background agent. Channels issued by the old agent
// are invalidated and every companion page gets a fresh relay.
func (s *Service) Reload(ctx context.Context) (Identity, error) {
	s.mu.Lock()
	if s.agent != nil {
		_ = s.agent.Close()
		s.agent = nil
	}
	agent, err := s.startAgent(ctx)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("controller reload failed", "error", err)
		return Identity{}, err
	}
	s.agent = agent
	s.reloads++
	s.mu.Unlock()

	if err := s.pages.Resync(ctx); err != nil {
		return Identity{}, err
	}
	id := s.Identity()
	s.log.Info("controller reloaded", "extension_id", id.ExtensionID, "reloads", id.Reloads)
	return id, nil
}

func (s *Service) current() (*background.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.agent == nil {
		return nil, ErrNotRunning
	}
	return s.agent, nil
}

// Dispatch routes a raw command envelope as if an observer had sent it.
func (s *Service) Dispatch(ctx context.Context, payload []byte) (protocol.Result, error) {
	if err := s.requireNonEmpty(string(payload), "command"); err != nil {
		return protocol.Result{}, err
	}
	agent, err := s.current()
	if err != nil {
		return protocol.Result{}, err
	}
	return agent.Handle(ctx, background.OriginAPI, payload), nil
}

// ListTabs returns the tab list companion pages would receive.
func (s *Service) ListTabs(ctx context.Context) ([]tabs.Snapshot, error) {
	agent, err := s.current()
	if err != nil {
		return nil, err
	}
	res := agent.Dispatch(ctx, background.OriginAPI, protocol.GetTabs{})
	if !res.Success {
		return nil, &cdpcontrol.CodedError{Code: cdpcontrol.CodeCDPFailure, Message: res.Error}
	}
	return res.Tabs, nil
}

// RunShortcut executes a bound shortcut.
func (s *Service) RunShortcut(ctx context.Context, name string) ([]protocol.Result, error) {
	if err := s.requireNonEmpty(name, "shortcut"); err != nil {
		return nil, err
	}
	agent, err := s.current()
	if err != nil {
		return nil, err
	}
	return agent.RunShortcut(ctx, strings.TrimSpace(name))
}

func (s *Service) Shortcuts() []string {
	agent, err := s.current()
	if err != nil {
		return nil
	}
	return agent.ShortcutNames()
}

// Identity reports the current agent. It is zero while no agent runs.
func (s *Service) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := Identity{
		Reloads:    s.reloads,
		Origins:    s.opts.Origins.Patterns(),
		StartupURL: s.opts.StartupURL,
	}
	if s.agent != nil {
		id.ExtensionID = s.agent.ID()
		id.StartedAt = s.agent.StartedAt()
	}
	return id
}

func (s *Service) ListPages() []pages.PageInfo {
	return s.pages.List()
}

func (s *Service) Health() Health {
	h := Health{BrowserConnected: true, Pages: len(s.pages.List())}
	if c, ok := s.opts.Directory.(connector); ok {
		h.BrowserConnected = c.Connected()
	}
	if s.opts.Broker != nil {
		h.Observers = s.opts.Broker.ClientCount()
	}
	if agent, err := s.current(); err == nil {
		h.AgentAlive = agent.Alive()
		h.Broadcasts = agent.Broadcaster().Runs()
	}
	return h
}

// Close detaches every relay and stops the agent.
func (s *Service) Close() error {
	err := s.pages.Close()
	s.mu.Lock()
	if s.agent != nil {
		_ = s.agent.Close()
	}
	s.mu.Unlock()
	return err
}

// deadChannel stands in for an agent that failed to start. Relays bound to
// it report an invalidated context.
type deadChannel struct{}

func (deadChannel) ExtensionID() string { return "" }
func (deadChannel) Alive() bool         { return false }
func (deadChannel) Send(context.Context, []byte) (protocol.Result, error) {
	return protocol.Result{}, protocol.ErrContextInvalidated
}
