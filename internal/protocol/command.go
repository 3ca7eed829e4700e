package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgnsrekt/tabrelay/internal/tabs"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrUnknownType is returned by Decode for an unrecognised "type".
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingType is returned by Decode when "type" is absent or empty.
	ErrMissingType = errors.New("message type is required")
	// ErrMalformed is returned by Decode for input that is not a JSON object.
	ErrMalformed = errors.New("malformed message")
)

// Handler has one method per command variant. Adding a variant without a
// matching method fails to compile.
type Handler interface {
	HandleGetTabs(ctx context.Context, cmd GetTabs) Result
	HandleRequestTabsUpdate(ctx context.Context, cmd RequestTabsUpdate) Result
	HandleSwitchToTab(ctx context.Context, cmd SwitchToTab) Result
	HandleCloseTab(ctx context.Context, cmd CloseTab) Result
	HandleCloseAllTabs(ctx context.Context, cmd CloseAllTabs) Result
	HandleSortTabsByDomain(ctx context.Context, cmd SortTabsByDomain) Result
	HandleFindTab(ctx context.Context, cmd FindTab) Result
	HandleFindOrCreateTab(ctx context.Context, cmd FindOrCreateTab) Result
	HandleCreateTab(ctx context.Context, cmd CreateTab) Result
	HandleCreateTabAtEnd(ctx context.Context, cmd CreateTabAtEnd) Result
	HandleSetToken(ctx context.Context, cmd SetToken) Result
	HandleShowOverlay(ctx context.Context, cmd ShowOverlay) Result
	HandlePing(ctx context.Context, cmd Ping) Result
	HandleContentScriptReady(ctx context.Context, cmd ContentScriptReady) Result
}

// Command is a decoded request. The set of implementations is closed.
type Command interface {
	Kind() Kind
	Dispatch(ctx context.Context, h Handler) Result
	isCommand()
}

type GetTabs struct{}

type RequestTabsUpdate struct{}

type SwitchToTab struct {
	TabID tabs.ID `json:"tabId"`
}

type CloseTab struct {
	TabID tabs.ID `json:"tabId"`
}

type CloseAllTabs struct{}

type SortTabsByDomain struct{}

// FindTab looks up an exact URL in the current window.
type FindTab struct {
	URL string `json:"url"`
}

// FindOrCreateTab activates the tab with URL in any window or opens it. An
// empty URL means the configured startup URL.
type FindOrCreateTab struct {
	URL string `json:"url,omitempty"`
}

type CreateTab struct {
	URL string `json:"url"`
}

// CreateTabAtEnd opens URL after every existing tab of the current window.
type CreateTabAtEnd struct {
	URL string `json:"url"`
}

type SetToken struct {
	Token string `json:"token"`
}

type ShowOverlay struct{}

type Ping struct{}

// ContentScriptReady is announced by a relay once it is attached to a page.
type ContentScriptReady struct{}

func (GetTabs) Kind() Kind            { return KindGetCurrentTabs }
func (RequestTabsUpdate) Kind() Kind  { return KindRequestTabsUpdate }
func (SwitchToTab) Kind() Kind        { return KindSwitchToTab }
func (CloseTab) Kind() Kind           { return KindCloseTab }
func (CloseAllTabs) Kind() Kind       { return KindCloseAllTabs }
func (SortTabsByDomain) Kind() Kind   { return KindSortTabsByDomain }
func (FindTab) Kind() Kind            { return KindFindTab }
func (FindOrCreateTab) Kind() Kind    { return KindFindOrCreateStartupTab }
func (CreateTab) Kind() Kind          { return KindCreateTab }
func (CreateTabAtEnd) Kind() Kind     { return KindOpenTabAtEnd }
func (SetToken) Kind() Kind           { return KindSetToken }
func (ShowOverlay) Kind() Kind        { return KindShowSpaceListOverlay }
func (Ping) Kind() Kind               { return KindPing }
func (ContentScriptReady) Kind() Kind { return KindContentScriptReady }

func (c GetTabs) Dispatch(ctx context.Context, h Handler) Result { return h.HandleGetTabs(ctx, c) }
func (c RequestTabsUpdate) Dispatch(ctx context.Context, h Handler) Result {
	return h.HandleRequestTabsUpdate(ctx, c)
}
func (c SwitchToTab) Dispatch(ctx context.Context, h Handler) Result { return h.HandleSwitchToTab(ctx, c) }
func (c CloseTab) Dispatch(ctx context.Context, h Handler) Result    { return h.HandleCloseTab(ctx, c) }
func (c CloseAllTabs) Dispatch(ctx context.Context, h Handler) Result {
	return h.HandleCloseAllTabs(ctx, c)
}
func (c SortTabsByDomain) Dispatch(ctx context.Context, h Handler) Result {
	return h.HandleSortTabsByDomain(ctx, c)
}
func (c FindTab) Dispatch(ctx context.Context, h Handler) Result { return h.HandleFindTab(ctx, c) }
func (c FindOrCreateTab) Dispatch(ctx context.Context, h Handler) Result {
	return h.HandleFindOrCreateTab(ctx, c)
}
func (c CreateTab) Dispatch(ctx context.Context, h Handler) Result { return h.HandleCreateTab(ctx, c) }
func (c CreateTabAtEnd) Dispatch(ctx context.Context, h Handler) Result {
	return h.HandleCreateTabAtEnd(ctx, c)
}
func (c SetToken) Dispatch(ctx context.Context, h Handler) Result    { return h.HandleSetToken(ctx, c) }
func (c ShowOverlay) Dispatch(ctx context.Context, h Handler) Result { return h.HandleShowOverlay(ctx, c) }
func (c Ping) Dispatch(ctx context.Context, h Handler) Result        { return h.HandlePing(ctx, c) }
func (c ContentScriptReady) Dispatch(ctx context.Context, h Handler) Result {
	return h.HandleContentScriptReady(ctx, c)
}

func (GetTabs) isCommand()            {}
func (RequestTabsUpdate) isCommand()  {}
func (SwitchToTab) isCommand()        {}
func (CloseTab) isCommand()           {}
func (CloseAllTabs) isCommand()       {}
func (SortTabsByDomain) isCommand()   {}
func (FindTab) isCommand()            {}
func (FindOrCreateTab) isCommand()    {}
func (CreateTab) isCommand()          {}
func (CreateTabAtEnd) isCommand()     {}
func (SetToken) isCommand()           {}
func (ShowOverlay) isCommand()        {}
func (Ping) isCommand()               {}
func (ContentScriptReady) isCommand() {}

var decoders = map[Kind]func([]byte) (Command, error){
	KindGetCurrentTabs:         decodeAs[GetTabs],
	KindRequestTabsUpdate:      decodeAs[RequestTabsUpdate],
	KindSwitchToTab:            decodeAs[SwitchToTab],
	KindCloseTab:               decodeAs[CloseTab],
	KindCloseAllTabs:           decodeAs[CloseAllTabs],
	KindSortTabsByDomain:       decodeAs[SortTabsByDomain],
	KindFindTab:                decodeAs[FindTab],
	KindFindOrCreateStartupTab: decodeAs[FindOrCreateTab],
	KindCreateTab:              decodeAs[CreateTab],
	KindOpenTabAtEnd:           decodeAs[CreateTabAtEnd],
	KindSetToken:               decodeAs[SetToken],
	KindShowSpaceListOverlay:   decodeAs[ShowOverlay],
	KindPing:                   decodeAs[Ping],
	KindContentScriptReady:     decodeAs[ContentScriptReady],
}

func decodeAs[T Command](data []byte) (Command, error) {
	var cmd T
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, cmd.Kind(), err)
	}
	return cmd, nil
}

// Decode parses a command envelope. Extra fields such as "source" or
// "extensionId" are ignored.
func Decode(data []byte) (Command, error) {
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, ErrMalformed
	}
	kind := Kind(gjson.GetBytes(data, "type").String())
	if kind == "" {
		return nil, ErrMissingType
	}
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, kind)
	}
	return decode(data)
}

// Encode renders cmd as an envelope with its "type" set.
func Encode(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(data, "type", string(cmd.Kind()))
}
