// Package api is the HTTP control surface: status and toggles for the
// current tab, the placeholder resource, the protocol socket and the event
// stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/slothtab/internal/assets"
	"github.com/dgnsrekt/slothtab/internal/authz"
	"github.com/dgnsrekt/slothtab/internal/protocol"
	"github.com/dgnsrekt/slothtab/internal/relay"
	"github.com/dgnsrekt/slothtab/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	GetStatus(ctx context.Context, tabID string) (authz.Status, error)
	SetExtensionEnabled(ctx context.Context, enabled bool) bool
	SetSiteEnabled(ctx context.Context, tabID string, allow bool) (authz.Status, error)
	SetTabEnabled(ctx context.Context, tabID string, allow bool) (authz.Status, error)
	ListTabs(ctx context.Context) ([]types.TabInfo, error)
	AllowedDomains() []string
	Armed() bool
}

// Transports are the non-REST endpoints mounted next to the API. Nil fields
// leave their routes unregistered.
type Transports struct {
	Protocol *protocol.Server
	Events   *relay.Broker
}

type statusOutput struct {
	Body authz.Status
}

func NewServer(svc Service, tr Transports) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("slothtab API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("Docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("Events docs response write failed", "error", err)
		}
	})
	router.Get(placeholderPath, servePlaceholder)

	if tr.Protocol != nil {
		router.Get(wsPath, protocol.ServeWS(tr.Protocol))
	}
	if tr.Events != nil {
		router.Get(eventsPath, relay.SSEHandler(tr.Events))
	}

	registerStatusHandlers(api, svc)
	registerTabHandlers(api, svc)

	return router
}

func servePlaceholder(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", assets.PlaceholderContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := w.Write(assets.PlaceholderPNG()); err != nil {
		slog.Debug("Placeholder response write failed", "error", err)
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case types.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case types.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case types.CodeCDPUnavailable, types.CodeFetchFailed:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
