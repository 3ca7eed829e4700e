package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

// Result is the reply to every command.
type Result struct {
	Success bool
	Error   string
	// Tabs is nil when the command carries no tab list. An empty non-nil
	// slice encodes as [].
	Tabs  []tabs.Snapshot
	TabID tabs.ID
}

type resultWire struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Tabs    *[]tabs.Snapshot `json:"tabs,omitempty"`
	TabID   tabs.ID          `json:"tabId,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	w := resultWire{Success: r.Success, Error: r.Error, TabID: r.TabID}
	if r.Tabs != nil {
		w.Tabs = &r.Tabs
	}
	return json.Marshal(w)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Result{Success: w.Success, Error: w.Error, TabID: w.TabID}
	if w.Tabs != nil {
		r.Tabs = *w.Tabs
		if r.Tabs == nil {
			r.Tabs = []tabs.Snapshot{}
		}
	}
	return nil
}

// OK returns a successful result.
func OK() Result { return Result{Success: true} }

// WithTabs returns a successful result carrying list.
func WithTabs(list []tabs.Snapshot) Result {
	if list == nil {
		list = []tabs.Snapshot{}
	}
	return Result{Success: true, Tabs: list}
}

// Fail returns a failed result describing err.
func Fail(err error) Result {
	if err == nil {
		return Result{Success: false, Error: "unknown error"}
	}
	return Result{Success: false, Error: err.Error()}
}

func Failf(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}
