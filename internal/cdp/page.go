package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/slothtab/internal/deferload"
	"github.com/dgnsrekt/slothtab/internal/types"
)

// evalFunc evaluates js in a page and returns the string result.
type evalFunc func(ctx context.Context, js string) (string, error)

// chromedpEval evaluates on tabCtx, bounded by the caller's ctx.
func chromedpEval(tabCtx context.Context) evalFunc {
	return func(ctx context.Context, js string) (string, error) {
		runCtx, cancel := context.WithCancel(tabCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		var raw string
		if err := chromedp.Run(runCtx, chromedp.Evaluate(js, &raw)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", err
		}
		return raw, nil
	}
}

// cdpPage is the deferload.Page of one attached tab.
type cdpPage struct {
	tabID   string
	eval    evalFunc
	timeout time.Duration
}

var _ deferload.Page = (*cdpPage)(nil)

func newPage(tabID string, eval evalFunc, timeout time.Duration) *cdpPage {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &cdpPage{tabID: tabID, eval: eval, timeout: timeout}
}

func (p *cdpPage) call(ctx context.Context, out any, fn string, args ...any) error {
	evalCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.eval(evalCtx, jsCall(fn, args...))
	if err != nil {
		slog.Debug("Page evaluation failed", "tab_id", p.tabID, "fn", fn, "error", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return types.NewError(types.CodeEvalTimeout, fn+" timed out", err)
		}
		return types.NewError(types.CodeEvalFailure, fn+" failed", err)
	}

	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return types.NewError(types.CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = types.CodeEvalFailure
		}
		return types.NewError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return types.NewError(types.CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

// mutate runs an element operation; the page reports false when the element
// is gone.
func (p *cdpPage) mutate(ctx context.Context, fn string, id deferload.ElementID, args ...any) error {
	var found bool
	if err := p.call(ctx, &found, fn, append([]any{string(id)}, args...)...); err != nil {
		return err
	}
	if !found {
		return types.NewError(types.CodeEvalFailure, fmt.Sprintf("element %s not found", id), nil)
	}
	return nil
}

func (p *cdpPage) ElementsAt(ctx context.Context, x, y float64) ([]deferload.Element, error) {
	var out []deferload.Element
	if err := p.call(ctx, &out, "elementsAt", x, y); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *cdpPage) SetSrc(ctx context.Context, id deferload.ElementID, src string) error {
	return p.mutate(ctx, "setSrc", id, src)
}

func (p *cdpPage) RemoveSrcset(ctx context.Context, id deferload.ElementID) error {
	return p.mutate(ctx, "removeSrcset", id)
}

func (p *cdpPage) RemovePictureSources(ctx context.Context, id deferload.ElementID) error {
	return p.mutate(ctx, "removePictureSources", id)
}

func (p *cdpPage) SetBackgroundImage(ctx context.Context, id deferload.ElementID, value string) error {
	return p.mutate(ctx, "setBackgroundImage", id, value)
}

func (p *cdpPage) SetTitle(ctx context.Context, id deferload.ElementID, title string) error {
	return p.mutate(ctx, "setTitle", id, title)
}

func (p *cdpPage) UntitledImages(ctx context.Context) ([]deferload.Element, error) {
	var out []deferload.Element
	if err := p.call(ctx, &out, "untitledImages"); err != nil {
		return nil, err
	}
	return out, nil
}
