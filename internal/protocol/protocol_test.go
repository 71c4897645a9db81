package protocol

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu     sync.Mutex
	fires  []Message
	block  chan struct{}
	callFn func(msg Message) (any, error)
}

func (h *recordingHandler) HandleFire(ctx context.Context, msg Message) error {
	h.mu.Lock()
	h.fires = append(h.fires, msg)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) HandleCall(ctx context.Context, msg Message) (any, error) {
	if h.block != nil {
		<-h.block
	}
	if h.callFn != nil {
		return h.callFn(msg)
	}
	s, err := DecodeString(msg)
	if err != nil {
		return nil, err
	}
	return "echo:" + s, nil
}

func (h *recordingHandler) fired() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.fires...)
}

func mustMessage(t *testing.T, kind Kind, payload any) Message {
	t.Helper()
	msg, err := NewMessage(kind, "", payload)
	if err != nil {
		t.Fatalf("NewMessage(%s) error = %v", kind, err)
	}
	return msg
}

func TestKindClassification(t *testing.T) {
	calls := []Kind{KindFetch, KindGetStatus}
	fires := []Kind{KindExtensionEnable, KindSiteEnable, KindTabEnable, KindOnline, KindShallRegister, KindShallUnregister}
	for _, k := range calls {
		if !k.Valid() || !k.IsCall() {
			t.Errorf("%s: Valid=%v IsCall=%v; want true, true", k, k.Valid(), k.IsCall())
		}
	}
	for _, k := range fires {
		if !k.Valid() || k.IsCall() {
			t.Errorf("%s: Valid=%v IsCall=%v; want true, false", k, k.Valid(), k.IsCall())
		}
	}
	if Kind("bogus").Valid() {
		t.Error("Kind(bogus).Valid() = true; want false")
	}
}

func TestDispatchCallProducesOneReply(t *testing.T) {
	srv := NewServer(&recordingHandler{})
	msg := mustMessage(t, KindFetch, "https://example.com/a.png")
	msg.ID = "req-1"

	reply, ok, err := srv.Dispatch(context.Background(), msg)
	if err != nil || !ok {
		t.Fatalf("Dispatch() = (ok=%v, err=%v); want reply", ok, err)
	}
	if reply.ID != "req-1" || reply.Kind != KindFetch {
		t.Fatalf("reply = %+v; want id req-1 kind fetch", reply)
	}
	var got string
	if err := reply.Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "echo:https://example.com/a.png" {
		t.Fatalf("payload = %q; want echo", got)
	}
}

func TestDispatchCallErrorStillReplies(t *testing.T) {
	srv := NewServer(&recordingHandler{callFn: func(Message) (any, error) {
		return nil, errors.New("upstream 404")
	}})
	reply, ok, err := srv.Dispatch(context.Background(), mustMessage(t, KindGetStatus, nil))
	if err != nil || !ok {
		t.Fatalf("Dispatch() = (ok=%v, err=%v); want error reply", ok, err)
	}
	if !strings.Contains(reply.Error, "upstream 404") {
		t.Fatalf("reply.Error = %q; want upstream 404", reply.Error)
	}
	var v any
	if err := reply.Decode(&v); err == nil {
		t.Fatal("Decode() on error reply = nil; want error")
	}
}

func TestDispatchFireHasNoReply(t *testing.T) {
	h := &recordingHandler{}
	srv := NewServer(h)
	_, ok, err := srv.Dispatch(context.Background(), mustMessage(t, KindSiteEnable, true))
	if err != nil || ok {
		t.Fatalf("Dispatch(fire) = (ok=%v, err=%v); want no reply, nil", ok, err)
	}
	if len(h.fired()) != 1 {
		t.Fatalf("fires = %d; want 1", len(h.fired()))
	}
}

func TestDispatchRejectsUnknownAndPushKinds(t *testing.T) {
	srv := NewServer(&recordingHandler{})
	for _, k := range []Kind{"bogus", KindShallRegister} {
		_, ok, err := srv.Dispatch(context.Background(), Message{Kind: k})
		if ok || !errors.Is(err, ErrUnknownKind) {
			t.Fatalf("Dispatch(%s) = (ok=%v, err=%v); want ErrUnknownKind", k, ok, err)
		}
	}
}

func TestDecodeBoolRejectsWrongType(t *testing.T) {
	if _, err := DecodeBool(mustMessage(t, KindTabEnable, "yes")); err == nil {
		t.Fatal("DecodeBool(string) = nil error; want failure")
	}
	v, err := DecodeBool(mustMessage(t, KindTabEnable, true))
	if err != nil || !v {
		t.Fatalf("DecodeBool(true) = (%v, %v); want (true, nil)", v, err)
	}
}

func TestLocalStampsTabAndReplies(t *testing.T) {
	h := &recordingHandler{callFn: func(msg Message) (any, error) { return msg.Tab, nil }}
	l := NewLocal(NewServer(h), "tab-7")
	defer l.Close()

	reply, err := l.Call(context.Background(), mustMessage(t, KindGetStatus, nil))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var tab string
	if err := reply.Decode(&tab); err != nil || tab != "tab-7" {
		t.Fatalf("reply tab = %q (%v); want tab-7", tab, err)
	}

	if err := l.Fire(context.Background(), mustMessage(t, KindOnline, nil)); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	l.Wait()
	fires := h.fired()
	if len(fires) != 1 || fires[0].Tab != "tab-7" {
		t.Fatalf("fires = %+v; want one from tab-7", fires)
	}
}

func TestLocalCloseFailsPendingCall(t *testing.T) {
	h := &recordingHandler{block: make(chan struct{})}
	l := NewLocal(NewServer(h), "tab-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Call(context.Background(), mustMessage(t, KindFetch, "https://example.com/a.png"))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Call() error = %v; want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call() did not return after Close()")
	}
	close(h.block)
	l.Wait()

	if _, err := l.Call(context.Background(), mustMessage(t, KindGetStatus, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Call() after Close = %v; want ErrClosed", err)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	h := &recordingHandler{}
	ts := httptest.NewServer(ServeWS(NewServer(h)))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialWS(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"))
	if err != nil {
		t.Fatalf("DialWS() error = %v", err)
	}
	defer conn.Close()

	reply, err := conn.Call(ctx, mustMessage(t, KindFetch, "https://example.com/b.png"))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var got string
	if err := reply.Decode(&got); err != nil || got != "echo:https://example.com/b.png" {
		t.Fatalf("reply = %q (%v); want echo", got, err)
	}

	if err := conn.Fire(ctx, mustMessage(t, KindExtensionEnable, false)); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.fired()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fires := h.fired(); len(fires) != 1 || fires[0].Kind != KindExtensionEnable {
		t.Fatalf("fires = %+v; want one extension-enable", fires)
	}
}

func TestWebSocketCallFailsWhenServerGoesAway(t *testing.T) {
	h := &recordingHandler{block: make(chan struct{})}
	defer close(h.block)
	ts := httptest.NewServer(ServeWS(NewServer(h)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialWS(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"))
	if err != nil {
		t.Fatalf("DialWS() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(ctx, mustMessage(t, KindFetch, "https://example.com/slow.png"))
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	_ = conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Call() error = %v; want ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Call() did not fail after transport closed")
	}
	ts.CloseClientConnections()
	ts.Close()
}
