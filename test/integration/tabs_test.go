//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestCreateSwitchCloseTab(t *testing.T) {
	url := fmt.Sprintf("about:blank#tabrelay-%d", time.Now().UnixNano())

	res := env.command(t, map[string]any{"type": "CREATE_TAB", "url": url})
	requireField(t, res.Success, true, "create success")
	if res.TabID == "" {
		t.Fatal("expected the created tab id")
	}
	env.Created = append(env.Created, res.TabID)

	tab := env.findTab(t, url)
	requireField(t, tab.ID, res.TabID, "listed tab id")

	res = env.command(t, map[string]any{"type": "SWITCH_TO_TAB", "tabId": tab.ID})
	requireField(t, res.Success, true, "switch success")

	res = env.command(t, map[string]any{"type": "FIND_TAB", "url": url})
	requireField(t, res.Success, true, "find success")
	requireField(t, res.TabID, tab.ID, "found tab id")

	res = env.command(t, map[string]any{"type": "CLOSE_TAB", "tabId": tab.ID})
	requireField(t, res.Success, true, "close success")

	res = env.command(t, map[string]any{"type": "CLOSE_TAB", "tabId": tab.ID})
	requireField(t, res.Success, false, "second close success")
	requireField(t, res.Error, "No tab with id: "+tab.ID+".", "second close error")
}

func TestGetCurrentTabsExcludesPinned(t *testing.T) {
	res := env.command(t, map[string]any{"type": "GET_CURRENT_TABS"})
	requireField(t, res.Success, true, "success")

	resp := env.GET(t, "/api/v1/tabs")
	requireStatus(t, resp, http.StatusOK)
	listed := decodeJSON[struct {
		Tabs []snapshot `json:"tabs"`
	}](t, resp).Tabs
	requireField(t, len(listed), len(res.Tabs), "tab count")
}
