package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
)

// listTargets fetches open targets via the HTTP /json/list endpoint.
func listTargets(ctx context.Context, httpBase string) ([]*target.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, strings.TrimRight(httpBase, "/")+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp: /json/list: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

// firstPage returns the first page target, if any.
func firstPage(targets []*target.Info) (*target.Info, bool) {
	for _, t := range targets {
		if t.Type == "page" {
			return t, true
		}
	}
	return nil, false
}
