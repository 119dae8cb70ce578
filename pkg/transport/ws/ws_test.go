package ws_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/storycircle/pkg/transport"
	"github.com/MrWong99/storycircle/pkg/transport/ws"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startBot launches a test WebSocket server playing the bot side. The server
// is closed when the test finishes.
func startBot(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("server unmarshal: %v", err)
	}
	return m
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

// recorder collects events from a transport.
type recorder struct {
	mu     sync.Mutex
	events []transport.Event
	ch     chan transport.Event
}

func newRecorder(tr transport.Transport) *recorder {
	r := &recorder{ch: make(chan transport.Event, 32)}
	for _, et := range transport.AllEvents {
		tr.On(et, func(ev transport.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			r.ch <- ev
		})
	}
	return r
}

func (r *recorder) waitFor(t *testing.T, et transport.EventType) transport.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Type == et {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", et)
			return transport.Event{}
		}
	}
}

func (r *recorder) count(et transport.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == et {
			n++
		}
	}
	return n
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnectHandshakeAndEvents(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	gotSend := make(chan map[string]json.RawMessage, 1)
	release := make(chan struct{})

	srv := startBot(t, func(conn *websocket.Conn, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")

		hello := readFrame(t, conn)
		if string(hello["type"]) != `"client-ready"` {
			t.Errorf("first frame type = %s, want client-ready", hello["type"])
		}

		writeFrame(t, conn, map[string]any{"type": "bot-ready"})
		gotSend <- readFrame(t, conn)

		writeFrame(t, conn, map[string]any{"type": "bot-started-speaking"})
		writeFrame(t, conn, map[string]any{"type": "bot-transcription", "data": map[string]any{"text": "Hello reader"}})
		writeFrame(t, conn, map[string]any{"type": "user-transcription", "data": map[string]any{"text": "hi", "final": true}})
		writeFrame(t, conn, map[string]any{
			"type": "bot-audio",
			"data": map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
		})
		<-release
	})
	defer close(release)

	tr := ws.New()
	rec := newRecorder(tr)
	ctx := context.Background()

	if err := tr.Connect(ctx, transport.Target{URL: wsURL(srv), Token: "tok-1"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if auth := <-gotAuth; auth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer tok-1")
	}
	rec.waitFor(t, transport.EventConnected)
	rec.waitFor(t, transport.EventBotReady)

	if st := tr.State(); st != transport.StateReady {
		t.Fatalf("State = %s, want ready", st)
	}
	if err := tr.SendMessage(ctx, "set-language", map[string]string{"language": "en"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := <-gotSend
	if string(sent["type"]) != `"set-language"` {
		t.Errorf("sent type = %s", sent["type"])
	}

	rec.waitFor(t, transport.EventBotStartedSpeaking)
	if ev := rec.waitFor(t, transport.EventBotTranscript); ev.Text != "Hello reader" {
		t.Errorf("bot transcript = %q", ev.Text)
	}
	if ev := rec.waitFor(t, transport.EventUserTranscript); ev.Text != "hi" || !ev.Final {
		t.Errorf("user transcript = %+v", ev)
	}

	select {
	case pcm := <-tr.BotAudio():
		if len(pcm) != 3 || pcm[2] != 3 {
			t.Errorf("bot audio = %v", pcm)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bot audio")
	}

	if n := len(tr.Tracks()); n != 2 {
		t.Errorf("Tracks len = %d, want 2", n)
	}

	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	rec.waitFor(t, transport.EventDisconnected)
	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if n := rec.count(transport.EventDisconnected); n != 1 {
		t.Errorf("disconnected events = %d, want 1", n)
	}
	if st := tr.State(); st != transport.StateDisconnected {
		t.Errorf("State after disconnect = %s", st)
	}
	if tr.Tracks() != nil {
		t.Error("Tracks after disconnect should be nil")
	}
}

func TestSendMessageBeforeReady(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startBot(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn)
		<-release
	})
	defer close(release)

	tr := ws.New()
	ctx := context.Background()
	if err := tr.Connect(ctx, transport.Target{URL: wsURL(srv)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(ctx)

	if st := tr.State(); st != transport.StateConnected {
		t.Errorf("State = %s, want connected", st)
	}
	err := tr.SendMessage(ctx, "set-language", nil)
	if !errors.Is(err, transport.ErrNotReady) {
		t.Fatalf("SendMessage: expected ErrNotReady, got %v", err)
	}
}

func TestSendAudioAfterLocalTrackStopped(t *testing.T) {
	t.Parallel()

	frames := make(chan map[string]json.RawMessage, 4)
	release := make(chan struct{})
	srv := startBot(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn)
		frames <- readFrame(t, conn)
		<-release
	})
	defer close(release)

	tr := ws.New()
	ctx := context.Background()
	if err := tr.Connect(ctx, transport.Target{URL: wsURL(srv)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect(ctx)

	if err := tr.SendAudio(ctx, []byte{9, 9}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if f := <-frames; string(f["type"]) != `"user-audio"` {
		t.Errorf("frame type = %s, want user-audio", f["type"])
	}

	for _, tk := range tr.Tracks() {
		if tk.Direction() == transport.DirectionLocal {
			if err := tk.Stop(); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			if err := tk.Stop(); err != nil {
				t.Fatalf("second Stop: %v", err)
			}
		}
	}
	if err := tr.SendAudio(ctx, []byte{1}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("SendAudio after stop: expected ErrClosed, got %v", err)
	}
}

func TestRemoteCloseEmitsDisconnected(t *testing.T) {
	t.Parallel()

	srv := startBot(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	tr := ws.New()
	rec := newRecorder(tr)
	if err := tr.Connect(context.Background(), transport.Target{URL: wsURL(srv)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, transport.EventDisconnected)

	if st := tr.State(); st != transport.StateDisconnected {
		t.Errorf("State = %s, want disconnected", st)
	}
}

func TestConnectDialFailure(t *testing.T) {
	t.Parallel()

	tr := ws.New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tr.Connect(ctx, transport.Target{URL: "ws://127.0.0.1:1/nope"}); err == nil {
		t.Fatal("expected dial error, got nil")
	}
	if st := tr.State(); st != transport.StateDisconnected {
		t.Errorf("State = %s, want disconnected", st)
	}
}
