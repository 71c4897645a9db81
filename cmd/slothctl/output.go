package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dgnsrekt/slothtab/internal/authz"
	"github.com/dgnsrekt/slothtab/internal/types"
	"gopkg.in/yaml.v3"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// render writes v as JSON or YAML, or calls text for the text format.
// YAML goes through JSON first so both formats share the same keys.
func (a *app) render(v any, text func() error) error {
	switch a.output {
	case outputJSON:
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.out, string(raw))
		return err
	case outputYAML:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = a.out.Write(out)
		return err
	default:
		return text()
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (a *app) renderStatus(st authz.Status) error {
	return a.render(st, func() error {
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "blocking\t%s\n", onOff(st.ExtensionEnabled))
		fmt.Fprintf(tw, "site allowed\t%s\n", onOff(st.SiteEnabled))
		fmt.Fprintf(tw, "tab allowed\t%s\n", onOff(st.TabEnabled))
		fmt.Fprintf(tw, "allowed\t%d\n", st.NumAllowed)
		fmt.Fprintf(tw, "blocked\t%d\n", st.NumBlocked)
		return tw.Flush()
	})
}

func (a *app) renderTabs(tabs []types.TabInfo) error {
	return a.render(tabs, func() error {
		tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TAB\tACTIVE\tLAZY\tEXEMPT\tDOMAIN\tURL")
		for _, t := range tabs {
			active := ""
			if t.Active {
				active = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.TabID, active, onOff(t.LazyLoading), onOff(t.Exempt), t.Domain, t.URL)
		}
		return tw.Flush()
	})
}

func (a *app) renderDomains(domains []string) error {
	return a.render(domains, func() error {
		for _, d := range domains {
			if _, err := fmt.Fprintln(a.out, d); err != nil {
				return err
			}
		}
		return nil
	})
}
