// Package protocol defines the message envelopes exchanged between the
// background agent, page relays and companion pages.
//
// Every message is a JSON object with a "type" discriminant. Commands decode
// into a closed set of variants (see [Command]); events are pushed without a
// request. Messages that reach a page carry source "startup-extension", and
// page-originated commands carry source "webapp".
package protocol

// Kind is the "type" discriminant of an envelope.
type Kind string

// Command kinds.
const (
	KindRequestTabsUpdate      Kind = "REQUEST_TABS_UPDATE"
	KindGetCurrentTabs         Kind = "GET_CURRENT_TABS"
	KindSwitchToTab            Kind = "SWITCH_TO_TAB"
	KindCloseTab               Kind = "CLOSE_TAB"
	KindCloseAllTabs           Kind = "CLOSE_ALL_TABS"
	KindSortTabsByDomain       Kind = "SORT_TABS_BY_DOMAIN"
	KindFindTab                Kind = "FIND_TAB"
	KindFindOrCreateStartupTab Kind = "FIND_OR_CREATE_STARTUP_TAB"
	KindCreateTab              Kind = "CREATE_TAB"
	KindOpenTabAtEnd           Kind = "OPEN_TAB_AT_END"
	KindSetToken               Kind = "SET_TOKEN"
	KindShowSpaceListOverlay   Kind = "SHOW_SPACE_LIST_OVERLAY"
	KindPing                   Kind = "PING"
	KindContentScriptReady     Kind = "CONTENT_SCRIPT_READY"
)

// Event kinds. SHOW_SPACE_LIST_OVERLAY is both a command and an event.
const (
	KindTabsUpdated Kind = "TABS_UPDATED"
)

// Source tags.
const (
	SourceExtension = "startup-extension"
	SourceWebapp    = "webapp"
)

// ContextInvalidMessage is posted to pages whose privileged channel is gone.
const ContextInvalidMessage = "Extension context invalid"
