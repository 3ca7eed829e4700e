package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabrelay/internal/controller"
	"github.com/dgnsrekt/tabrelay/internal/pages"
)

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string            `json:"status"`
			Detail controller.Health `json:"detail"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Detail = svc.Health()
			out.Body.Status = "ok"
			if !out.Body.Detail.AgentAlive || !out.Body.Detail.BrowserConnected {
				out.Body.Status = "degraded"
			}
			return out, nil
		})

	type identityOutput struct {
		Body controller.Identity
	}
	huma.Register(api, huma.Operation{OperationID: "get-identity", Method: http.MethodGet, Path: "/api/v1/identity", Summary: "Get the background agent identity", Tags: []string{"Background"}},
		func(ctx context.Context, input *struct{}) (*identityOutput, error) {
			return &identityOutput{Body: svc.Identity()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "reload-background", Method: http.MethodPost, Path: "/api/v1/reload", Summary: "Reload the background agent", Description: "Invalidates every channel issued so far and attaches fresh relays to open companion pages.", Tags: []string{"Background"}},
		func(ctx context.Context, input *struct{}) (*identityOutput, error) {
			id, err := svc.Reload(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &identityOutput{Body: id}, nil
		})

	type pagesOutput struct {
		Body struct {
			Pages []pages.PageInfo `json:"pages"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-pages", Method: http.MethodGet, Path: "/api/v1/pages", Summary: "List companion pages with an attached relay", Tags: []string{"Background"}},
		func(ctx context.Context, input *struct{}) (*pagesOutput, error) {
			out := &pagesOutput{}
			out.Body.Pages = svc.ListPages()
			return out, nil
		})
}
