package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabrelay/internal/protocol"
	"github.com/dgnsrekt/tabrelay/internal/tabs"
)

func registerTabHandlers(api huma.API, svc Service) {
	type tabsOutput struct {
		Body struct {
			Tabs []tabs.Snapshot `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List visible tabs of the current window", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			list, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabsOutput{}
			out.Body.Tabs = list
			return out, nil
		})

	type commandInput struct {
		RawBody []byte `contentType:"application/json"`
	}
	type commandOutput struct {
		Body protocol.Result
	}
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-command",
		Method:      http.MethodPost,
		Path:        "/api/v1/commands",
		Summary:     "Route a command envelope through the background agent",
		Description: "The body is a command envelope such as {\"type\":\"SWITCH_TO_TAB\",\"tabId\":\"12\"}. Command failures are reported in the result with status 200.",
		Tags:        []string{"Tabs"},
	}, func(ctx context.Context, input *commandInput) (*commandOutput, error) {
		res, err := svc.Dispatch(ctx, input.RawBody)
		if err != nil {
			return nil, mapErr(err)
		}
		return &commandOutput{Body: res}, nil
	})

	type shortcutsOutput struct {
		Body struct {
			Shortcuts []string `json:"shortcuts"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-shortcuts", Method: http.MethodGet, Path: "/api/v1/shortcuts", Summary: "List bound shortcuts", Tags: []string{"Shortcuts"}},
		func(ctx context.Context, input *struct{}) (*shortcutsOutput, error) {
			out := &shortcutsOutput{}
			out.Body.Shortcuts = svc.Shortcuts()
			if out.Body.Shortcuts == nil {
				out.Body.Shortcuts = []string{}
			}
			return out, nil
		})

	type runShortcutInput struct {
		Name string `path:"name"`
	}
	type runShortcutOutput struct {
		Body struct {
			Name    string            `json:"name"`
			Results []protocol.Result `json:"results"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "run-shortcut", Method: http.MethodPost, Path: "/api/v1/shortcuts/{name}", Summary: "Run a shortcut", Tags: []string{"Shortcuts"}},
		func(ctx context.Context, input *runShortcutInput) (*runShortcutOutput, error) {
			results, err := svc.RunShortcut(ctx, input.Name)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &runShortcutOutput{}
			out.Body.Name = input.Name
			out.Body.Results = results
			return out, nil
		})
}
