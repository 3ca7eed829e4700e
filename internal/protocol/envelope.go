package protocol

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/dgnsrekt/tabrelay/internal/tabs"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrContextInvalidated is the failure of a privileged channel whose
// background agent has gone away. The text matches what browsers report.
var ErrContextInvalidated = errors.New("Extension context invalidated.")

// IsContextInvalidated reports whether err denotes an invalidated channel.
// Matching is on message text because the error may cross a boundary that
// drops its identity.
func IsContextInvalidated(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrContextInvalidated) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "extension context invalidated")
}

// TabsUpdated is the broadcast pushed after tab lifecycle events.
type TabsUpdated struct {
	Tabs []tabs.Snapshot `json:"tabs"`
}

// MarshalJSON includes the "type" discriminant.
func (e TabsUpdated) MarshalJSON() ([]byte, error) {
	list := e.Tabs
	if list == nil {
		list = []tabs.Snapshot{}
	}
	return json.Marshal(struct {
		Type Kind            `json:"type"`
		Tabs []tabs.Snapshot `json:"tabs"`
	}{KindTabsUpdated, list})
}

// OverlayEvent asks a page to show its space list overlay.
type OverlayEvent struct{}

func (OverlayEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Kind `json:"type"`
	}{KindShowSpaceListOverlay})
}

// Tag marks payload as coming from the extension side. Non-object payloads
// are wrapped under "data".
func Tag(payload []byte) ([]byte, error) {
	if !gjson.ParseBytes(payload).IsObject() {
		wrapped, err := sjson.SetRawBytes([]byte(`{}`), "data", payload)
		if err != nil {
			return nil, err
		}
		payload = wrapped
	}
	return sjson.SetBytes(payload, "source", SourceExtension)
}

// TagResult renders r as a page-facing response.
func TagResult(r Result) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return Tag(data)
}

// PageMessage is the routing header of a message posted by a page.
type PageMessage struct {
	Source      string
	Type        Kind
	ExtensionID string
	Raw         []byte
}

// ParsePageMessage reads the routing fields of raw. It fails only when raw
// is not a JSON object.
func ParsePageMessage(raw []byte) (PageMessage, error) {
	res := gjson.ParseBytes(raw)
	if !gjson.ValidBytes(raw) || !res.IsObject() {
		return PageMessage{}, ErrMalformed
	}
	return PageMessage{
		Source:      res.Get("source").String(),
		Type:        Kind(res.Get("type").String()),
		ExtensionID: res.Get("extensionId").String(),
		Raw:         raw,
	}, nil
}

// FromExtension reports whether the message was emitted by the extension
// side and must not be processed again.
func (m PageMessage) FromExtension() bool { return m.Source == SourceExtension }
