// Package background hosts the privileged agent: the only component that
// mutates tab state. It routes commands, broadcasts tab snapshots to
// companion pages and hands out channels to page relays.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/storage"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
	"github.com/google/uuid"
)

// Command origins recorded in the journal.
const (
	OriginPage     = "page"
	OriginAPI      = "api"
	OriginShortcut = "shortcut"
)

// Messenger delivers a payload to the relay attached to a tab.
type Messenger interface {
	SendToTab(ctx context.Context, id tabs.ID, payload []byte) error
}

// KeyValueStore is extension-local persisted storage.
type KeyValueStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Recorder journals routed commands.
type Recorder interface {
	Record(rec storage.CommandRecord) error
}

// Publisher forwards notifications to observers.
type Publisher interface {
	PublishJSON(feed string, v any) error
}

// Options wires an Agent. Directory, Messenger, Store and Origins are
// required.
type Options struct {
	Directory tabs.Directory
	Messenger Messenger
	Store     KeyValueStore
	Journal   Recorder
	Publisher Publisher
	// Origins selects the companion pages that receive broadcasts.
	Origins    *tabs.Matcher
	StartupURL string
	Delays     Delays
	Shortcuts  map[string]Shortcut
	Logger     *slog.Logger
}

func (o Options) validate() error {
	switch {
	case o.Directory == nil:
		return errors.New("background: directory is required")
	case o.Messenger == nil:
		return errors.New("background: messenger is required")
	case o.Store == nil:
		return errors.New("background: store is required")
	case o.Origins == nil:
		return errors.New("background: allowed origins are required")
	}
	return nil
}

// Agent is one running instance of the background agent. Closing it
// invalidates every channel it issued, the way reloading an extension does.
type Agent struct {
	opts        Options
	id          string
	startedAt   time.Time
	log         *slog.Logger
	router      *Router
	broadcaster *Broadcaster

	closed      atomic.Bool
	closeOnce   sync.Once
	unsubscribe func()
}

// Start brings up an agent: it resolves the extension identity, persisting a
// new one when none is stored, and subscribes to tab lifecycle events.
func Start(ctx context.Context, opts Options) (*Agent, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Delays == (Delays{}) {
		opts.Delays = DefaultDelays()
	}
	if opts.Shortcuts == nil {
		opts.Shortcuts = DefaultShortcuts()
	}
	log := opts.Logger.With("component", "background")

	id, ok := opts.Store.Get(storage.KeyExtensionID)
	if !ok || id == "" {
		id = uuid.NewString()
		if err := opts.Store.Set(storage.KeyExtensionID, id); err != nil {
			return nil, fmt.Errorf("background: persist extension id: %w", err)
		}
		log.Info("background extension id created", "extension_id", id)
	}

	a := &Agent{
		opts:      opts,
		id:        id,
		startedAt: time.Now().UTC(),
		log:       log,
	}
	a.broadcaster = newBroadcaster(opts, log)
	a.router = &Router{
		dir:         opts.Directory,
		store:       opts.Store,
		messenger:   opts.Messenger,
		broadcaster: a.broadcaster,
		startupURL:  opts.StartupURL,
		log:         log,
	}
	a.unsubscribe = opts.Directory.Subscribe(a.broadcaster.OnEvent)

	log.Info("background started", "extension_id", id, "origins", opts.Origins.Patterns())
	return a, nil
}

// ID is the extension identity pages use to address this installation.
func (a *Agent) ID() string { return a.id }

func (a *Agent) StartedAt() time.Time { return a.startedAt }

// Alive reports whether the agent has not been closed.
func (a *Agent) Alive() bool { return !a.closed.Load() }

// Broadcaster exposes the update broadcaster.
func (a *Agent) Broadcaster() *Broadcaster { return a.broadcaster }

// Close stops event handling and invalidates issued channels. Pending
// broadcasts are cancelled.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		a.broadcaster.Stop()
		a.log.Info("background stopped", "extension_id", a.id)
	})
	return nil
}

// Handle decodes a command envelope and routes it. It always returns exactly
// one result.
func (a *Agent) Handle(ctx context.Context, origin string, payload []byte) protocol.Result {
	cmd, err := protocol.Decode(payload)
	if err != nil {
		res := protocol.Fail(err)
		if errors.Is(err, protocol.ErrUnknownType) {
			res = protocol.Failf("unknown message type")
		}
		a.record(origin, "", res, 0)
		return res
	}
	return a.Dispatch(ctx, origin, cmd)
}

// Dispatch routes a decoded command and journals the outcome.
func (a *Agent) Dispatch(ctx context.Context, origin string, cmd protocol.Command) protocol.Result {
	if a.closed.Load() {
		return protocol.Fail(protocol.ErrContextInvalidated)
	}
	start := time.Now()
	res := a.router.Dispatch(ctx, cmd)
	elapsed := time.Since(start)

	if res.Success {
		a.log.Debug("background command", "kind", cmd.Kind(), "origin", origin, "duration", elapsed)
	} else {
		a.log.Info("background command failed", "kind", cmd.Kind(), "origin", origin, "error", res.Error)
	}
	a.record(origin, cmd.Kind(), res, elapsed)
	return res
}

func (a *Agent) record(origin string, kind protocol.Kind, res protocol.Result, elapsed time.Duration) {
	rec := storage.CommandRecord{
		Time:       time.Now().UTC(),
		Kind:       string(kind),
		Origin:     origin,
		Success:    res.Success,
		Error:      res.Error,
		DurationMS: elapsed.Milliseconds(),
	}
	if a.opts.Journal != nil {
		_ = a.opts.Journal.Record(rec)
	}
	if a.opts.Publisher != nil {
		_ = a.opts.Publisher.PublishJSON(feedCommands, rec)
	}
}

// Channel issues a privileged channel for a page relay.
func (a *Agent) Channel() *Channel {
	return &Channel{agent: a}
}

// Channel is a page relay's handle onto one agent instance.
type Channel struct {
	agent *Agent
}

func (c *Channel) ExtensionID() string { return c.agent.id }

func (c *Channel) Alive() bool { return c.agent.Alive() }

// Send routes payload as a page-originated command. It fails with
// protocol.ErrContextInvalidated once the agent is closed.
func (c *Channel) Send(ctx context.Context, payload []byte) (protocol.Result, error) {
	if !c.agent.Alive() {
		return protocol.Result{}, protocol.ErrContextInvalidated
	}
	return c.agent.Handle(ctx, OriginPage, payload), nil
}
