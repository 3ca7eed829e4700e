package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
)

// Channel is the privileged side of a relay: a handle onto one background
// agent instance that may be invalidated at any time.
type Channel interface {
	ExtensionID() string
	Alive() bool
	Send(ctx context.Context, payload []byte) (protocol.Result, error)
}

// Surface is the page-native messaging surface (window.postMessage).
type Surface interface {
	Post(ctx context.Context, payload []byte) error
}

// replyTimeout bounds the final post of a result once the forwarding
// context is gone.
const replyTimeout = 5 * time.Second

// Agent relays messages between one page and the privileged channel. It
// owns all of its state; nothing is shared between agents.
type Agent struct {
	cfg     Config
	channel Channel
	resolve func() Channel
	surface Surface
	log     *slog.Logger

	inFlight atomic.Bool
	// retries counts retry attempts across the agent's lifetime.
	retries atomic.Int64
	dropped atomic.Int64
}

// New builds an agent for one page load.
func New(ch Channel, s Surface, cfg Config) *Agent {
	return &Agent{
		cfg:     cfg.withDefaults(),
		channel: ch,
		surface: s,
		log:     slog.With("component", "relay"),
	}
}

// WithLogger replaces the agent's logger.
func (a *Agent) WithLogger(l *slog.Logger) *Agent {
	a.log = l
	return a
}

// WithResolver makes retries after an invalidation send through a channel
// obtained from resolve instead of the dead one.
func (a *Agent) WithResolver(resolve func() Channel) *Agent {
	a.resolve = resolve
	return a
}

// Deliver re-emits a privileged message into the page, tagged so the page
// can tell it apart from its own traffic.
func (a *Agent) Deliver(ctx context.Context, payload []byte) error {
	tagged, err := protocol.Tag(payload)
	if err != nil {
		return err
	}
	return a.surface.Post(ctx, tagged)
}

// HandlePageMessage forwards one page-originated message and posts exactly
// one response, except when the message is ignored or dropped as a
// concurrent duplicate. It blocks until the response is posted.
func (a *Agent) HandlePageMessage(ctx context.Context, raw []byte) {
	msg, err := protocol.ParsePageMessage(raw)
	if err != nil {
		return
	}
	if msg.FromExtension() || msg.Source != protocol.SourceWebapp {
		return
	}
	if a.cfg.ExtensionID != "" {
		if msg.ExtensionID == "" {
			a.reply(ctx, protocol.Failf("message has no extensionId"))
			return
		}
		if msg.ExtensionID != a.cfg.ExtensionID {
			return
		}
	}
	if msg.Type == "" {
		a.reply(ctx, protocol.Failf("message has no type"))
		return
	}
	if !a.channel.Alive() {
		a.log.Info("relay channel invalid", "type", msg.Type)
		a.reply(ctx, protocol.Failf(protocol.ContextInvalidMessage))
		return
	}
	if !a.inFlight.CompareAndSwap(false, true) {
		a.dropped.Add(1)
		a.log.Warn("relay dropped message while busy", "type", msg.Type)
		return
	}
	defer a.inFlight.Store(false)

	policy := RetryPolicy{
		Attempts:  a.cfg.MaxAttempts,
		Delay:     a.cfg.RetryDelay,
		Retryable: protocol.IsContextInvalidated,
		OnRetry: func(err error, wait time.Duration) {
			a.retries.Add(1)
			a.log.Info("relay retrying", "type", msg.Type, "wait", wait, "error", err)
		},
	}
	ch, invalidated := a.channel, false
	res, err := Retry(ctx, policy, func(ctx context.Context) (protocol.Result, error) {
		if invalidated && a.resolve != nil {
			ch = a.resolve()
		}
		res, err := ch.Send(ctx, raw)
		invalidated = protocol.IsContextInvalidated(err)
		return res, err
	})
	if err != nil {
		a.log.Warn("relay send failed", "type", msg.Type, "error", err)
		res = protocol.Fail(err)
	}
	// The page is owed a result even when ctx was cancelled mid-retry.
	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	a.reply(replyCtx, res)
}

// Busy reports whether a page message is currently being forwarded.
func (a *Agent) Busy() bool { return a.inFlight.Load() }

// Stats returns the number of retries performed and messages dropped.
func (a *Agent) Stats() (retries, dropped int64) {
	return a.retries.Load(), a.dropped.Load()
}

// Run announces the relay to the background agent, then checks channel
// liveness until ctx is done. A dead channel is reported to the page on
// every check.
func (a *Agent) Run(ctx context.Context) error {
	a.announce(ctx)

	ticker := time.NewTicker(a.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !a.channel.Alive() {
				a.reply(ctx, protocol.Failf(protocol.ContextInvalidMessage))
			}
		}
	}
}

func (a *Agent) announce(ctx context.Context) {
	if !a.channel.Alive() {
		return
	}
	payload, err := protocol.Encode(protocol.ContentScriptReady{})
	if err != nil {
		return
	}
	if _, err := a.channel.Send(ctx, payload); err != nil {
		a.log.Debug("relay announce failed", "error", err)
	}
}

func (a *Agent) reply(ctx context.Context, res protocol.Result) {
	data, err := json.Marshal(res)
	if err != nil {
		a.log.Error("relay encode result", "error", err)
		return
	}
	if err := a.Deliver(ctx, data); err != nil {
		a.log.Debug("relay post failed", "error", err)
	}
}
