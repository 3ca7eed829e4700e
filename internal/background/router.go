package background

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/storage"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

// Router executes commands against the tab directory. Every handler turns
// failures into a failed Result.
type Router struct {
	dir         tabs.Directory
	store       KeyValueStore
	messenger   Messenger
	broadcaster *Broadcaster
	startupURL  string
	log         *slog.Logger
}

var _ protocol.Handler = (*Router)(nil)

// Dispatch runs cmd. A panicking handler yields a failed Result.
func (r *Router) Dispatch(ctx context.Context, cmd protocol.Command) (res protocol.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("router panic", "kind", cmd.Kind(), "panic", p, "stack", string(debug.Stack()))
			res = protocol.Failf("internal error: %v", p)
		}
	}()
	return cmd.Dispatch(ctx, r)
}

func (r *Router) currentTabs(ctx context.Context) ([]tabs.Tab, error) {
	w, err := r.dir.CurrentWindow(ctx)
	if err != nil {
		return nil, err
	}
	return r.dir.Query(ctx, tabs.Query{WindowID: w})
}

func (r *Router) HandleGetTabs(ctx context.Context, _ protocol.GetTabs) protocol.Result {
	list, err := r.currentTabs(ctx)
	if err != nil {
		return protocol.Fail(err)
	}
	return protocol.WithTabs(tabs.Visible(list))
}

func (r *Router) HandleRequestTabsUpdate(ctx context.Context, _ protocol.RequestTabsUpdate) protocol.Result {
	if _, err := r.broadcaster.Broadcast(ctx); err != nil {
		return protocol.Fail(err)
	}
	return protocol.OK()
}

func (r *Router) HandleSwitchToTab(ctx context.Context, cmd protocol.SwitchToTab) protocol.Result {
	if cmd.TabID == "" {
		return protocol.Failf("%s requires tabId", cmd.Kind())
	}
	t, err := r.dir.Get(ctx, cmd.TabID)
	if err != nil {
		return protocol.Fail(err)
	}
	if err := r.dir.FocusWindow(ctx, t.WindowID); err != nil {
		return protocol.Fail(err)
	}
	if err := r.dir.Activate(ctx, t.ID); err != nil {
		return protocol.Fail(err)
	}
	return protocol.OK()
}

func (r *Router) HandleCloseTab(ctx context.Context, cmd protocol.CloseTab) protocol.Result {
	if cmd.TabID == "" {
		return protocol.Failf("%s requires tabId", cmd.Kind())
	}
	if err := r.dir.Remove(ctx, cmd.TabID); err != nil {
		return protocol.Fail(err)
	}
	return protocol.OK()
}

func (r *Router) HandleCloseAllTabs(ctx context.Context, _ protocol.CloseAllTabs) protocol.Result {
	list, err := r.currentTabs(ctx)
	if err != nil {
		return protocol.Fail(err)
	}
	var ids []tabs.ID
	for _, t := range list {
		if t.Pinned || t.Active {
			continue
		}
		ids = append(ids, t.ID)
	}
	if len(ids) == 0 {
		return protocol.OK()
	}
	if err := r.dir.Remove(ctx, ids...); err != nil {
		return protocol.Fail(err)
	}
	return protocol.OK()
}

func (r *Router) HandleSortTabsByDomain(ctx context.Context, _ protocol.SortTabsByDomain) protocol.Result {
	list, err := r.currentTabs(ctx)
	if err != nil {
		return protocol.Fail(err)
	}
	var pinned int
	unpinned := make([]tabs.Tab, 0, len(list))
	for _, t := range list {
		if t.Pinned {
			pinned++
			continue
		}
		unpinned = append(unpinned, t)
	}
	for i, t := range tabs.SortByDomain(unpinned) {
		if err := r.dir.Move(ctx, t.ID, pinned+i); err != nil {
			return protocol.Fail(err)
		}
	}
	if _, err := r.broadcaster.Broadcast(ctx); err != nil {
		r.log.Warn("router broadcast after sort failed", "error", err)
	}
	return protocol.OK()
}

func (r *Router) HandleFindTab(ctx context.Context, cmd protocol.FindTab) protocol.Result {
	if cmd.URL == "" {
		return protocol.Failf("%s requires url", cmd.Kind())
	}
	list, err := r.currentTabs(ctx)
	if err != nil {
		return protocol.Fail(err)
	}
	res := protocol.OK()
	for _, t := range list {
		if t.URL == cmd.URL {
			res.TabID = t.ID
			break
		}
	}
	return res
}

func (r *Router) HandleFindOrCreateTab(ctx context.Context, cmd protocol.FindOrCreateTab) protocol.Result {
	url := cmd.URL
	if url == "" {
		url = r.startupURL
	}
	if url == "" {
		return protocol.Failf("%s requires url", cmd.Kind())
	}
	all, err := r.dir.Query(ctx, tabs.Query{})
	if err != nil {
		return protocol.Fail(err)
	}
	for _, t := range all {
		if t.URL != url {
			continue
		}
		if err := r.dir.FocusWindow(ctx, t.WindowID); err != nil {
			return protocol.Fail(err)
		}
		if err := r.dir.Activate(ctx, t.ID); err != nil {
			return protocol.Fail(err)
		}
		return protocol.Result{Success: true, TabID: t.ID}
	}
	t, err := r.dir.Create(ctx, tabs.CreateOptions{URL: url, Active: true, Index: -1})
	if err != nil {
		return protocol.Fail(err)
	}
	return protocol.Result{Success: true, TabID: t.ID}
}

func (r *Router) HandleCreateTab(ctx context.Context, cmd protocol.CreateTab) protocol.Result {
	if cmd.URL == "" {
		return protocol.Failf("%s requires url", cmd.Kind())
	}
	t, err := r.dir.Create(ctx, tabs.CreateOptions{URL: cmd.URL, Active: true, Index: -1})
	if err != nil {
		return protocol.Fail(err)
	}
	return protocol.Result{Success: true, TabID: t.ID}
}

func (r *Router) HandleCreateTabAtEnd(ctx context.Context, cmd protocol.CreateTabAtEnd) protocol.Result {
	if cmd.URL == "" {
		return protocol.Failf("%s requires url", cmd.Kind())
	}
	list, err := r.currentTabs(ctx)
	if err != nil {
		return protocol.Fail(err)
	}
	t, err := r.dir.Create(ctx, tabs.CreateOptions{URL: cmd.URL, Active: true, Index: len(list)})
	if err != nil {
		return protocol.Fail(err)
	}
	return protocol.Result{Success: true, TabID: t.ID}
}

func (r *Router) HandleSetToken(ctx context.Context, cmd protocol.SetToken) protocol.Result {
	if cmd.Token == "" {
		return protocol.Failf("%s requires token", cmd.Kind())
	}
	if err := r.store.Set(storage.KeyToken, cmd.Token); err != nil {
		return protocol.Fail(err)
	}
	return protocol.OK()
}

func (r *Router) HandleShowOverlay(ctx context.Context, _ protocol.ShowOverlay) protocol.Result {
	list, err := r.currentTabs(ctx)
	if err != nil {
		return protocol.Fail(err)
	}
	for _, t := range list {
		if !t.Active {
			continue
		}
		payload, err := json.Marshal(protocol.OverlayEvent{})
		if err != nil {
			return protocol.Fail(err)
		}
		if err := r.messenger.SendToTab(ctx, t.ID, payload); err != nil {
			return protocol.Fail(fmt.Errorf("tab %s: %w", t.ID, err))
		}
		return protocol.OK()
	}
	return protocol.Failf("no active tab")
}

func (r *Router) HandlePing(context.Context, protocol.Ping) protocol.Result {
	return protocol.OK()
}

// HandleContentScriptReady schedules a broadcast so a freshly attached page
// receives state. The page is usually still being registered at this point.
func (r *Router) HandleContentScriptReady(context.Context, protocol.ContentScriptReady) protocol.Result {
	r.broadcaster.Schedule(r.broadcaster.delays.Completed)
	return protocol.OK()
}
