package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgnsrekt/slothtab/internal/config"
	"github.com/spf13/cobra"
)

type app struct {
	baseURL string
	timeout time.Duration
	output  string
	client  *http.Client
	out     io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	var (
		baseURL   string
		timeoutMS int
		output    string
	)

	root := &cobra.Command{
		Use:           "slothctl",
		Short:         "Inspect and toggle a running slothtab agent",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCtl()
			if err != nil {
				return err
			}
			a.baseURL = cfg.BaseURL
			a.timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
			a.output = cfg.Output
			if cmd.Flags().Changed("url") {
				a.baseURL = baseURL
			}
			if cmd.Flags().Changed("timeout") {
				a.timeout = time.Duration(timeoutMS) * time.Millisecond
			}
			if cmd.Flags().Changed("output") {
				a.output = output
			}
			switch a.output {
			case outputText, outputJSON, outputYAML:
			default:
				return fmt.Errorf("unknown output format %q (text, json, yaml)", a.output)
			}
			if a.client == nil {
				a.client = &http.Client{}
			}
			slog.Debug("slothctl configured", "url", a.baseURL, "timeout", a.timeout, "output", a.output)
			return nil
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&baseURL, "url", "", "agent base URL (default $SLOTHTAB_URL or http://127.0.0.1:8190)")
	root.PersistentFlags().IntVar(&timeoutMS, "timeout", 0, "request timeout in milliseconds")
	root.PersistentFlags().StringVarP(&output, "output", "o", "", "output format: text, json or yaml")

	root.AddCommand(
		newStatusCmd(a),
		newExtensionCmd(a, "enable", true),
		newExtensionCmd(a, "disable", false),
		newToggleCmd(a, "site", "/api/v1/site", "Allow or deny the domain of a tab (durable)"),
		newToggleCmd(a, "tab", "/api/v1/tab", "Allow or deny a single tab (this session only)"),
		newTabsCmd(a),
		newDomainsCmd(a),
		newWatchCmd(a),
	)
	return root
}

// requestContext bounds one request by the configured timeout.
func (a *app) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, a.timeout)
}
