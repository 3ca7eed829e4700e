package background

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

// Observer feeds, matching the relay broker's.
const (
	feedTabs     = "tabs"
	feedCommands = "commands"
)

// Delays between a lifecycle event and the broadcast it triggers.
type Delays struct {
	Created   time.Duration
	Removed   time.Duration
	Moved     time.Duration
	Completed time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		Created:   500 * time.Millisecond,
		Removed:   100 * time.Millisecond,
		Moved:     100 * time.Millisecond,
		Completed: 100 * time.Millisecond,
	}
}

// BroadcastReport is published to observers after every broadcast.
type BroadcastReport struct {
	Tabs      []tabs.Snapshot `json:"tabs"`
	Targets   int             `json:"targets"`
	Delivered int             `json:"delivered"`
}

// Broadcaster pushes full tab snapshots to every companion page. Delivery
// is best-effort: pages that are not listening miss that update and catch
// up on the next one.
type Broadcaster struct {
	dir       tabs.Directory
	messenger Messenger
	origins   *tabs.Matcher
	publisher Publisher
	delays    Delays
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
	wg      sync.WaitGroup

	runs atomic.Int64
}

func newBroadcaster(opts Options, log *slog.Logger) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		dir:       opts.Directory,
		messenger: opts.Messenger,
		origins:   opts.Origins,
		publisher: opts.Publisher,
		delays:    opts.Delays,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		timers:    make(map[*time.Timer]struct{}),
	}
}

// OnEvent schedules a broadcast for a lifecycle event. Updates other than
// load completion are ignored.
func (b *Broadcaster) OnEvent(ev tabs.Event) {
	switch ev.Kind {
	case tabs.EventCreated:
		b.Schedule(b.delays.Created)
	case tabs.EventRemoved:
		b.Schedule(b.delays.Removed)
	case tabs.EventMoved:
		b.Schedule(b.delays.Moved)
	case tabs.EventUpdated:
		if ev.Status == tabs.StatusComplete {
			b.Schedule(b.delays.Completed)
		}
	}
}

// Schedule runs a broadcast after delay. It is a no-op once stopped.
func (b *Broadcaster) Schedule(delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer b.wg.Done()
		b.mu.Lock()
		delete(b.timers, t)
		b.mu.Unlock()
		if b.ctx.Err() != nil {
			return
		}
		if _, err := b.Broadcast(b.ctx); err != nil {
			b.log.Warn("broadcast failed", "error", err)
		}
	})
	b.timers[t] = struct{}{}
}

// Pending returns the number of scheduled broadcasts not yet started.
func (b *Broadcaster) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

// Runs returns the number of completed broadcasts.
func (b *Broadcaster) Runs() int64 { return b.runs.Load() }

// Stop cancels scheduled broadcasts and waits for running ones.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	b.stopped = true
	for t := range b.timers {
		if t.Stop() {
			b.wg.Done()
		}
		delete(b.timers, t)
	}
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}

// Broadcast sends the current window's visible tabs to every companion
// page and returns how many pages accepted it. Failing to reach a page is
// not an error.
func (b *Broadcaster) Broadcast(ctx context.Context) (int, error) {
	w, err := b.dir.CurrentWindow(ctx)
	if err != nil {
		return 0, fmt.Errorf("broadcast: current window: %w", err)
	}
	list, err := b.dir.Query(ctx, tabs.Query{WindowID: w})
	if err != nil {
		return 0, fmt.Errorf("broadcast: query tabs: %w", err)
	}
	snapshot := tabs.Visible(list)
	payload, err := json.Marshal(protocol.TabsUpdated{Tabs: snapshot})
	if err != nil {
		return 0, err
	}

	targets, err := b.dir.Query(ctx, tabs.Query{URLs: b.origins})
	if err != nil {
		return 0, fmt.Errorf("broadcast: query pages: %w", err)
	}
	delivered := 0
	for _, t := range targets {
		if err := b.messenger.SendToTab(ctx, t.ID, payload); err != nil {
			b.log.Debug("broadcast tab not ready", "tab_id", t.ID, "error", err)
			continue
		}
		delivered++
	}
	b.runs.Add(1)
	b.log.Debug("broadcast sent", "tabs", len(snapshot), "targets", len(targets), "delivered", delivered)

	if b.publisher != nil {
		_ = b.publisher.PublishJSON(feedTabs, BroadcastReport{Tabs: snapshot, Targets: len(targets), Delivered: delivered})
	}
	return delivered, nil
}
