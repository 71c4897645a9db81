package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dgnsrekt/slothtab/internal/authz"
	"github.com/dgnsrekt/slothtab/internal/protocol"
)

// apiError is the problem document the agent returns on failure.
type apiError struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (e *apiError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Title)
}

func (a *app) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// wsURL turns the base URL into the protocol socket URL.
func (a *app) wsURL() string {
	switch {
	case strings.HasPrefix(a.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(a.baseURL, "https://") + "/ws"
	case strings.HasPrefix(a.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(a.baseURL, "http://") + "/ws"
	default:
		return a.baseURL + "/ws"
	}
}

// queryStatus asks for a tab's status over the protocol socket, the same way
// a popup does.
func (a *app) queryStatus(ctx context.Context, tabID string) (authz.Status, error) {
	conn, err := protocol.DialWS(ctx, a.wsURL())
	if err != nil {
		return authz.Status{}, err
	}
	defer conn.Close()

	msg, err := protocol.NewMessage(protocol.KindGetStatus, tabID, nil)
	if err != nil {
		return authz.Status{}, err
	}
	reply, err := conn.Call(ctx, msg)
	if err != nil {
		return authz.Status{}, err
	}
	var st authz.Status
	if err := reply.Decode(&st); err != nil {
		return authz.Status{}, err
	}
	return st, nil
}
