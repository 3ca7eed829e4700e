package background

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
)

// ShortcutOpenSpaceList opens (or focuses) the startup page and then asks
// it to show the space list overlay.
const ShortcutOpenSpaceList = "open-space-list"

// ErrUnknownShortcut is returned by RunShortcut for an unbound name.
var ErrUnknownShortcut = errors.New("unknown shortcut")

// Shortcut composes commands into one user-facing action. Steps run in
// order with Delay between them; the first failure stops the sequence.
type Shortcut struct {
	Steps []protocol.Command
	Delay time.Duration
}

func DefaultShortcuts() map[string]Shortcut {
	return map[string]Shortcut{
		ShortcutOpenSpaceList: {
			Steps: []protocol.Command{protocol.FindOrCreateTab{}, protocol.ShowOverlay{}},
			Delay: 300 * time.Millisecond,
		},
	}
}

// ParseShortcut builds a shortcut from command envelopes.
func ParseShortcut(envelopes []string, delay time.Duration) (Shortcut, error) {
	if len(envelopes) == 0 {
		return Shortcut{}, errors.New("shortcut has no steps")
	}
	sc := Shortcut{Delay: delay}
	for i, env := range envelopes {
		cmd, err := protocol.Decode([]byte(env))
		if err != nil {
			return Shortcut{}, fmt.Errorf("step %d: %w", i, err)
		}
		sc.Steps = append(sc.Steps, cmd)
	}
	return sc, nil
}

// ShortcutNames lists the bound shortcuts in order.
func (a *Agent) ShortcutNames() []string {
	return slices.Sorted(maps.Keys(a.opts.Shortcuts))
}

// RunShortcut executes the named shortcut and returns the result of every
// step that ran.
func (a *Agent) RunShortcut(ctx context.Context, name string) ([]protocol.Result, error) {
	sc, ok := a.opts.Shortcuts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShortcut, name)
	}
	results := make([]protocol.Result, 0, len(sc.Steps))
	for i, step := range sc.Steps {
		if i > 0 && sc.Delay > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(sc.Delay):
			}
		}
		res := a.Dispatch(ctx, OriginShortcut, step)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results, nil
}
