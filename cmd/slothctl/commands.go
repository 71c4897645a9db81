package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/dgnsrekt/slothtab/internal/authz"
	"github.com/dgnsrekt/slothtab/internal/types"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var tabID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show blocking status and counters for a tab",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd.Context())
			defer cancel()
			st, err := a.queryStatus(ctx, tabID)
			if err != nil {
				return err
			}
			return a.renderStatus(st)
		},
	}
	cmd.Flags().StringVar(&tabID, "tab", "", "tab id (default: the active tab)")
	return cmd
}

func newExtensionCmd(a *app, use string, enabled bool) *cobra.Command {
	short := "Turn image blocking on"
	if !enabled {
		short = "Turn image blocking off everywhere"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd.Context())
			defer cancel()

			var out struct {
				Enabled bool `json:"enabled"`
				Changed bool `json:"changed"`
			}
			if err := a.doJSON(ctx, http.MethodPut, "/api/v1/extension", map[string]bool{"enabled": enabled}, &out); err != nil {
				return err
			}
			return a.render(out, func() error {
				state := "unchanged"
				if out.Changed {
					state = "changed"
				}
				_, err := fmt.Fprintf(a.out, "blocking %s (%s)\n", onOff(out.Enabled), state)
				return err
			})
		},
	}
}

// newToggleCmd builds "site" and "tab": allow lets images load, deny
// restores blocking.
func newToggleCmd(a *app, use, path, short string) *cobra.Command {
	var tabID string
	cmd := &cobra.Command{
		Use:       use + " allow|deny",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"allow", "deny"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var allow bool
			switch args[0] {
			case "allow":
				allow = true
			case "deny":
			default:
				return fmt.Errorf("expected allow or deny, got %q", args[0])
			}

			ctx, cancel := a.requestContext(cmd.Context())
			defer cancel()
			body := map[string]any{"enabled": allow}
			if tabID != "" {
				body["tab_id"] = tabID
			}
			var st authz.Status
			if err := a.doJSON(ctx, http.MethodPut, path, body, &st); err != nil {
				return err
			}
			return a.renderStatus(st)
		},
	}
	cmd.Flags().StringVar(&tabID, "tab", "", "tab id (default: the active tab)")
	return cmd
}

func newTabsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "List attached tabs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd.Context())
			defer cancel()
			var out struct {
				Tabs []types.TabInfo `json:"tabs"`
			}
			if err := a.doJSON(ctx, http.MethodGet, "/api/v1/tabs", nil, &out); err != nil {
				return err
			}
			return a.renderTabs(out.Tabs)
		},
	}
}

func newDomainsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List durably allowed domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.requestContext(cmd.Context())
			defer cancel()
			var out struct {
				Domains []string `json:"domains"`
			}
			if err := a.doJSON(ctx, http.MethodGet, "/api/v1/domains", nil, &out); err != nil {
				return err
			}
			return a.renderDomains(out.Domains)
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		topics []string
		tabID  string
		count  int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream agent events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.watch(ctx, topics, tabID, count)
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topics", nil, "topics to follow: status, fetch, tab (default all)")
	cmd.Flags().StringVar(&tabID, "tab", "", "only events of this tab")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 = no limit)")
	return cmd
}

// watch reads the SSE stream. The request timeout does not apply.
func (a *app) watch(ctx context.Context, topics []string, tabID string, count int) error {
	q := url.Values{}
	if len(topics) > 0 {
		q.Set("topics", strings.Join(topics, ","))
	}
	if tabID != "" {
		q.Set("tab_id", tabID)
	}
	target := a.baseURL + "/api/v1/events"
	if enc := q.Encode(); enc != "" {
		target += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET /api/v1/events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	}

	var (
		topic string
		seen  int
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			topic = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if err := a.render(map[string]string{"topic": topic, "data": data}, func() error {
				_, err := fmt.Fprintf(a.out, "%s\t%s\n", topic, data)
				return err
			}); err != nil {
				return err
			}
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
