package cdp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/slothtab/internal/types"
)

func stubEval(result string, err error) (evalFunc, *[]string) {
	var scripts []string
	return func(ctx context.Context, js string) (string, error) {
		scripts = append(scripts, js)
		return result, err
	}, &scripts
}

func TestElementsAtDecodesEnvelope(t *testing.T) {
	eval, scripts := stubEval(`{"ok":true,"data":[{"id":"7","tag":"IMG","src":"https://x.test/p.png","srcset":"a.png 1x","alt":"cat","inPicture":true,"pictureSourceSrcset":"b.webp"}]}`, nil)
	p := newPage("tab-1", eval, time.Second)

	els, err := p.ElementsAt(context.Background(), 10, 20.5)
	if err != nil {
		t.Fatalf("ElementsAt() error = %v", err)
	}
	if len(els) != 1 {
		t.Fatalf("len(elements) = %d; want 1", len(els))
	}
	got := els[0]
	if got.ID != "7" || !got.IsImage() || got.Alt != "cat" || !got.InPicture || got.PictureSourceSrcset != "b.webp" {
		t.Fatalf("element = %+v", got)
	}
	if !strings.Contains((*scripts)[0], "elementsAt(10,20.5)") {
		t.Fatalf("script does not call elementsAt with coordinates: %s", (*scripts)[0])
	}
}

func TestMutateEncodesArguments(t *testing.T) {
	eval, scripts := stubEval(`{"ok":true,"data":true}`, nil)
	p := newPage("tab-1", eval, time.Second)

	if err := p.SetSrc(context.Background(), "3", `data:image/png;base64,"x"`); err != nil {
		t.Fatalf("SetSrc() error = %v", err)
	}
	want := `setSrc("3","data:image/png;base64,\"x\"")`
	if !strings.Contains((*scripts)[0], want) {
		t.Fatalf("script missing %s: %s", want, (*scripts)[0])
	}
}

func TestMutateMissingElement(t *testing.T) {
	eval, _ := stubEval(`{"ok":true,"data":false}`, nil)
	p := newPage("tab-1", eval, time.Second)

	err := p.RemoveSrcset(context.Background(), "9")
	if !types.HasCode(err, types.CodeEvalFailure) {
		t.Fatalf("RemoveSrcset() error = %v; want %s", err, types.CodeEvalFailure)
	}
}

func TestCallPropagatesPageErrorCode(t *testing.T) {
	eval, _ := stubEval(`{"ok":false,"error_code":"VALIDATION","error_message":"bad id"}`, nil)
	p := newPage("tab-1", eval, time.Second)

	err := p.SetTitle(context.Background(), "1", "x")
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("expected *CodedError, got %T", err)
	}
	if coded.Code != types.CodeValidation || coded.Message != "bad id" {
		t.Fatalf("error = %+v; want VALIDATION/bad id", coded)
	}
}

func TestCallMapsEvalErrors(t *testing.T) {
	tests := []struct {
		name string
		eval evalFunc
		want string
	}{
		{
			name: "failure",
			eval: func(ctx context.Context, js string) (string, error) {
				return "", errors.New("target closed")
			},
			want: types.CodeEvalFailure,
		},
		{
			name: "timeout",
			eval: func(ctx context.Context, js string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
			want: types.CodeEvalTimeout,
		},
		{
			name: "garbage",
			eval: func(ctx context.Context, js string) (string, error) {
				return "not json", nil
			},
			want: types.CodeEvalFailure,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newPage("tab-1", tc.eval, 20*time.Millisecond)
			_, err := p.UntitledImages(context.Background())
			if !types.HasCode(err, tc.want) {
				t.Fatalf("UntitledImages() error = %v; want code %s", err, tc.want)
			}
		})
	}
}

func TestNewPageDefaultsTimeout(t *testing.T) {
	p := newPage("tab-1", nil, 0)
	if p.timeout != 5*time.Second {
		t.Fatalf("timeout = %v; want 5s", p.timeout)
	}
}
