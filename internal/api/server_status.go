package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/slothtab/internal/types"
)

type toggleInput struct {
	Body struct {
		TabID   string `json:"tab_id,omitempty" doc:"Target tab. Omit to use the active tab."`
		Enabled bool   `json:"enabled" doc:"true allows images, false restores blocking"`
	}
}

func registerStatusHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
			Armed  bool   `json:"armed"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Armed = svc.Armed()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Get status of a tab", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct {
			TabID string `query:"tab_id" doc:"Target tab. Omit to use the active tab."`
		}) (*statusOutput, error) {
			status, err := svc.GetStatus(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: status}, nil
		})

	type extensionOutput struct {
		Body struct {
			Enabled bool `json:"enabled"`
			Changed bool `json:"changed"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-extension", Method: http.MethodPut, Path: "/api/v1/extension", Summary: "Enable or disable image blocking", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Enabled bool `json:"enabled"`
			}
		}) (*extensionOutput, error) {
			out := &extensionOutput{}
			out.Body.Changed = svc.SetExtensionEnabled(ctx, input.Body.Enabled)
			out.Body.Enabled = input.Body.Enabled
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-site", Method: http.MethodPut, Path: "/api/v1/site", Summary: "Allow or deny the domain of a tab", Tags: []string{"Status"}},
		func(ctx context.Context, input *toggleInput) (*statusOutput, error) {
			status, err := svc.SetSiteEnabled(ctx, input.Body.TabID, input.Body.Enabled)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: status}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-tab", Method: http.MethodPut, Path: "/api/v1/tab", Summary: "Allow or deny a single tab", Tags: []string{"Status"}},
		func(ctx context.Context, input *toggleInput) (*statusOutput, error) {
			status, err := svc.SetTabEnabled(ctx, input.Body.TabID, input.Body.Enabled)
			if err != nil {
				return nil, mapErr(err)
			}
			return &statusOutput{Body: status}, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	type tabsOutput struct {
		Body struct {
			Tabs []types.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List attached tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type domainsOutput struct {
		Body struct {
			Domains []string `json:"domains"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-domains", Method: http.MethodGet, Path: "/api/v1/domains", Summary: "List durably allowed domains", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*domainsOutput, error) {
			out := &domainsOutput{}
			out.Body.Domains = svc.AllowedDomains()
			return out, nil
		})
}
