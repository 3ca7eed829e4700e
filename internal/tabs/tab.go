package tabs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is an opaque tab handle, stable for the lifetime of the tab.
type ID string

// UnmarshalJSON accepts both string and numeric handles; companion pages
// written against the extension API send numbers.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tab id: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("tab id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// WindowID identifies a browser window.
type WindowID int64

// Tab is the raw record returned by a Directory.
type Tab struct {
	ID         ID
	WindowID   WindowID
	Index      int
	Title      string
	URL        string
	FavIconURL string
	Pinned     bool
	Active     bool
	Status     string
}

// Snapshot is the public shape of a tab exposed to companion pages.
type Snapshot struct {
	ID         ID     `json:"id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	FaviconURL string `json:"faviconUrl"`
	Pinned     bool   `json:"pinned"`
}

// Format maps a raw tab to its snapshot.
func Format(t Tab) Snapshot {
	return Snapshot{
		ID:         t.ID,
		Title:      t.Title,
		URL:        t.URL,
		FaviconURL: t.FavIconURL,
		Pinned:     t.Pinned,
	}
}

// Visible formats every non-pinned tab, keeping directory order. The result
// is never nil so it always encodes as a JSON array.
func Visible(list []Tab) []Snapshot {
	out := make([]Snapshot, 0, len(list))
	for _, t := range list {
		if t.Pinned {
			continue
		}
		out = append(out, Format(t))
	}
	return out
}
