package router_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/storycircle/internal/connection"
	"github.com/MrWong99/storycircle/internal/router"
	"github.com/MrWong99/storycircle/internal/voicebot"
	"github.com/MrWong99/storycircle/pkg/conversation"
	"github.com/MrWong99/storycircle/pkg/transport"
	"github.com/MrWong99/storycircle/pkg/transport/mock"
)

// fakeConn is a hand-written [router.Connection].
type fakeConn struct {
	mu    sync.Mutex
	calls []string
	sent  []any
}

func (f *fakeConn) MarkConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "MarkConnected")
}

func (f *fakeConn) MarkDisconnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "MarkDisconnected")
}

func (f *fakeConn) SendMessage(_ context.Context, msgType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "SendMessage:"+msgType)
	f.sent = append(f.sent, payload)
}

func (f *fakeConn) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func setup(t *testing.T, opts ...router.Option) (*router.Router, *voicebot.Store, *fakeConn, *mock.Transport) {
	t.Helper()
	store := voicebot.New()
	conn := &fakeConn{}
	tr := &mock.Transport{}
	r := router.New(store, conn, opts...)
	r.Bind(context.Background(), tr)
	t.Cleanup(r.Unbind)
	return r, store, conn, tr
}

func TestBind_SubscribesEveryEvent(t *testing.T) {
	t.Parallel()

	r, _, _, tr := setup(t)
	for _, et := range transport.AllEvents {
		if n := tr.HandlerCount(et); n != 1 {
			t.Errorf("HandlerCount(%s) = %d, want 1", et, n)
		}
	}

	// Binding the same instance again does not double-subscribe.
	r.Bind(context.Background(), tr)
	if n := tr.HandlerCount(transport.EventBotTranscript); n != 1 {
		t.Errorf("HandlerCount after rebind = %d, want 1", n)
	}
}

func TestUnbind_ReleasesHandles(t *testing.T) {
	t.Parallel()

	r, store, _, tr := setup(t)
	r.Unbind()

	for _, et := range transport.AllEvents {
		if n := tr.HandlerCount(et); n != 0 {
			t.Errorf("HandlerCount(%s) = %d after Unbind, want 0", et, n)
		}
	}
	tr.EmitEvent(transport.Event{Type: transport.EventBotTranscript, Text: "late"})
	if n := store.Snapshot().MessageCount; n != 0 {
		t.Errorf("store received %d messages after Unbind", n)
	}
	if r.Bound() {
		t.Error("Bound() = true after Unbind")
	}
}

func TestBind_NewInstanceReleasesOld(t *testing.T) {
	t.Parallel()

	r, store, _, first := setup(t)
	second := &mock.Transport{}
	r.Bind(context.Background(), second)

	if n := first.HandlerCount(transport.EventBotTranscript); n != 0 {
		t.Errorf("old transport still has %d handlers", n)
	}
	first.EmitEvent(transport.Event{Type: transport.EventBotTranscript, Text: "old"})
	second.EmitEvent(transport.Event{Type: transport.EventBotTranscript, Text: "new"})

	snap := store.Snapshot()
	if snap.MessageCount != 1 || snap.Messages[0].Text != "new" {
		t.Errorf("messages = %+v, want only the new transport's", snap.Messages)
	}
}

func TestHandle_Transcripts(t *testing.T) {
	t.Parallel()

	r, store, _, tr := setup(t)

	tr.EmitEvent(transport.Event{Type: transport.EventUserTranscript, Text: "what is a hob", Final: false})
	if got := r.PartialTranscript(); got != "what is a hob" {
		t.Errorf("PartialTranscript = %q", got)
	}
	if n := store.Snapshot().MessageCount; n != 0 {
		t.Fatalf("partial transcript appended a message")
	}

	tr.EmitEvent(transport.Event{Type: transport.EventUserTranscript, Text: "what is a hobbit", Final: true})
	tr.EmitEvent(transport.Event{Type: transport.EventBotTranscript, Text: "A small person."})
	tr.EmitEvent(transport.Event{Type: transport.EventUserTranscript, Text: "   ", Final: true})

	snap := store.Snapshot()
	want := []conversation.Message{
		conversation.User("what is a hobbit"),
		conversation.Assistant("A small person."),
	}
	if len(snap.Messages) != len(want) {
		t.Fatalf("messages = %+v, want %+v", snap.Messages, want)
	}
	for i := range want {
		if snap.Messages[i] != want[i] {
			t.Errorf("messages[%d] = %+v, want %+v", i, snap.Messages[i], want[i])
		}
	}
	if snap.Status != voicebot.StatusListening {
		t.Errorf("status = %s, want LISTENING after final user transcript", snap.Status)
	}
	if got := r.PartialTranscript(); got != "" {
		t.Errorf("PartialTranscript = %q after final, want empty", got)
	}
}

func TestHandle_SpeakingIndicators(t *testing.T) {
	t.Parallel()

	r, store, _, tr := setup(t)

	store.StartListening(false)
	tr.EmitEvent(transport.Event{Type: transport.EventBotStartedSpeaking})
	if !r.BotSpeaking() || store.Status() != voicebot.StatusSpeaking {
		t.Errorf("after bot-started: speaking=%v status=%s", r.BotSpeaking(), store.Status())
	}
	tr.EmitEvent(transport.Event{Type: transport.EventBotStoppedSpeaking})
	if r.BotSpeaking() {
		t.Error("BotSpeaking after bot-stopped")
	}

	tr.EmitEvent(transport.Event{Type: transport.EventUserStartedSpeaking})
	if !r.MicActive() {
		t.Error("MicActive = false after user-started")
	}
	tr.EmitEvent(transport.Event{Type: transport.EventUserStoppedSpeaking})
	if r.MicActive() {
		t.Error("MicActive = true after user-stopped")
	}
}

func TestHandle_UserVoiceClearsAwaiting(t *testing.T) {
	t.Parallel()

	_, store, _, tr := setup(t)
	store.StartSleeping()
	if !store.AwaitingUserVoice() {
		t.Fatal("expected awaiting after sleep")
	}
	tr.EmitEvent(transport.Event{Type: transport.EventUserStartedSpeaking})
	if store.AwaitingUserVoice() {
		t.Error("awaiting not cleared by user voice")
	}
}

func TestHandle_SleepingBlocksBotSpeaking(t *testing.T) {
	t.Parallel()

	_, store, _, tr := setup(t)
	store.StartSleeping()
	tr.EmitEvent(transport.Event{Type: transport.EventBotStartedSpeaking})
	if st := store.Status(); st != voicebot.StatusSleeping {
		t.Errorf("status = %s, want SLEEPING", st)
	}
}

func TestHandle_ConnectionEvents(t *testing.T) {
	t.Parallel()

	r, _, conn, tr := setup(t)

	tr.EmitEvent(transport.Event{Type: transport.EventUserStartedSpeaking})
	tr.EmitEvent(transport.Event{Type: transport.EventConnected})
	tr.EmitEvent(transport.Event{Type: transport.EventDisconnected})

	if conn.count("MarkConnected") != 1 || conn.count("MarkDisconnected") != 1 {
		t.Errorf("calls = %v", conn.calls)
	}
	if r.MicActive() {
		t.Error("MicActive not reset on disconnect")
	}
}

func TestHandle_BotReadySetsLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		opts  []router.Option
		sends int
	}{
		{name: "configured", opts: []router.Option{router.WithLanguage("de")}, sends: 1},
		{name: "unset", sends: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, _, conn, tr := setup(t, tc.opts...)
			tr.EmitEvent(transport.Event{Type: transport.EventBotReady})
			if n := conn.count("SendMessage:set-language"); n != tc.sends {
				t.Fatalf("set-language sends = %d, want %d", n, tc.sends)
			}
			if tc.sends == 1 {
				payload := conn.sent[0].(map[string]string)
				if payload["language"] != "de" {
					t.Errorf("payload = %v", payload)
				}
			}
		})
	}
}

func TestUnbind_WaitsForRunningHandler(t *testing.T) {
	t.Parallel()

	store := voicebot.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	store.Subscribe(func(voicebot.Snapshot) {
		select {
		case entered <- struct{}{}:
			<-release
		default:
		}
	})

	tr := &mock.Transport{}
	r := router.New(store, &fakeConn{})
	r.Bind(context.Background(), tr)

	go tr.EmitEvent(transport.Event{Type: transport.EventBotTranscript, Text: "slow"})
	<-entered

	unbound := make(chan struct{})
	go func() {
		r.Unbind()
		close(unbound)
	}()

	select {
	case <-unbound:
		t.Fatal("Unbind returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-unbound:
	case <-time.After(2 * time.Second):
		t.Fatal("Unbind did not return after handler finished")
	}
}

func TestRouter_WithManager(t *testing.T) {
	t.Parallel()

	tr := &mock.Transport{}
	mgr := connection.New(tr, connection.WithSettleDelay(0))
	r := router.New(voicebot.New(), mgr, router.WithLanguage("en"))
	r.Bind(context.Background(), tr)
	defer r.Unbind()

	tr.EmitEvent(transport.Event{Type: transport.EventConnected})
	if got := mgr.Phase(); got != connection.PhaseConnected {
		t.Fatalf("phase = %s, want CONNECTED", got)
	}

	tr.SetState(transport.StateReady)
	tr.EmitEvent(transport.Event{Type: transport.EventBotReady})
	if n := tr.CallCount("SendMessage"); n != 1 {
		t.Errorf("SendMessage calls = %d, want 1", n)
	}

	tr.EmitEvent(transport.Event{Type: transport.EventDisconnected})
	if got := mgr.Phase(); got != connection.PhaseIdle {
		t.Errorf("phase = %s, want IDLE", got)
	}
}
