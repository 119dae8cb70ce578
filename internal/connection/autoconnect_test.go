package connection_test

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/storycircle/internal/connection"
)

// recordingConnector is a hand-written [connection.Connector].
type recordingConnector struct {
	mu         sync.Mutex
	log        []string
	connectErr error
}

func (r *recordingConnector) Connect(_ context.Context, p connection.Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "connect:"+p.BookID)
	return r.connectErr
}

func (r *recordingConnector) Disconnect(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "disconnect")
}

func (r *recordingConnector) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func TestAutoConnector_OncePerSignature(t *testing.T) {
	t.Parallel()

	rc := &recordingConnector{}
	ac := connection.NewAutoConnector(rc)
	ctx := context.Background()

	p := directParams()
	for range 3 {
		if err := ac.Update(ctx, p, true); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if got := rc.calls(); !slices.Equal(got, []string{"connect:b1"}) {
		t.Fatalf("calls = %v, want one connect", got)
	}

	// Non-signature fields do not count as a new session.
	p.StudentID = "someone-else"
	_ = ac.Update(ctx, p, true)
	if n := len(rc.calls()); n != 1 {
		t.Fatalf("calls after non-signature change = %d, want 1", n)
	}
}

func TestAutoConnector_SignatureChangeReconnects(t *testing.T) {
	t.Parallel()

	rc := &recordingConnector{}
	ac := connection.NewAutoConnector(rc)
	ctx := context.Background()

	a := directParams()
	b := directParams()
	b.BookID = "b2"

	_ = ac.Update(ctx, a, true)
	_ = ac.Update(ctx, b, true)
	_ = ac.Update(ctx, b, true)

	want := []string{"connect:b1", "disconnect", "connect:b2"}
	if got := rc.calls(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestAutoConnector_ShouldFalse(t *testing.T) {
	t.Parallel()

	rc := &recordingConnector{}
	ac := connection.NewAutoConnector(rc)
	ctx := context.Background()

	_ = ac.Update(ctx, directParams(), false)
	if ac.Attempted() || len(rc.calls()) != 0 {
		t.Fatalf("unexpected attempt: %v", rc.calls())
	}
	_ = ac.Update(ctx, directParams(), true)
	if !ac.Attempted() || len(rc.calls()) != 1 {
		t.Fatalf("expected one attempt once enabled, calls = %v", rc.calls())
	}
}

func TestAutoConnector_FailedAttemptCounts(t *testing.T) {
	t.Parallel()

	rc := &recordingConnector{connectErr: errors.New("boom")}
	ac := connection.NewAutoConnector(rc)
	ctx := context.Background()

	if err := ac.Update(ctx, directParams(), true); err == nil {
		t.Fatal("expected connect error")
	}
	if err := ac.Update(ctx, directParams(), true); err != nil {
		t.Fatalf("second Update should not retry, got %v", err)
	}
	if n := len(rc.calls()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestAutoConnector_Close(t *testing.T) {
	t.Parallel()

	rc := &recordingConnector{}
	ac := connection.NewAutoConnector(rc)
	ac.Close(context.Background())
	if got := rc.calls(); !slices.Equal(got, []string{"disconnect"}) {
		t.Errorf("calls = %v, want [disconnect]", got)
	}
}

func TestDirectURL(t *testing.T) {
	t.Parallel()

	p := connection.Params{
		StudentID:       "s1",
		BookID:          "b1",
		BookTitle:       "The Hobbit",
		Chapter:         3,
		PreviousChapter: 2,
		CharacterName:   "Bilbo Baggins",
		PromptID:        "companion-v2",
		SectionType:     "chapter",
		Modalities:      []string{"audio", "text"},
	}

	raw, err := connection.DirectURL("wss://bot.example.com/ws?region=eu", p)
	if err != nil {
		t.Fatalf("DirectURL: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()

	want := map[string]string{
		"region":           "eu",
		"student_id":       "s1",
		"current_chapter":  "3",
		"previous_chapter": "2",
		"book_id":          "b1",
		"book_title":       "The Hobbit",
		"prompt_id":        "companion-v2",
		"section_type":     "chapter",
		"character_name":   "Bilbo Baggins",
		"modalities":       "audio,text",
		"handoff_modality": "audio",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestDirectURL_Defaults(t *testing.T) {
	t.Parallel()

	raw, err := connection.DirectURL("wss://bot.example.com/ws", connection.Params{})
	if err != nil {
		t.Fatalf("DirectURL: %v", err)
	}
	u, _ := url.Parse(raw)
	if got := u.Query().Get("modalities"); got != "audio" {
		t.Errorf("modalities = %q, want audio", got)
	}
	if got := u.Query().Get("handoff_modality"); got != "audio" {
		t.Errorf("handoff_modality = %q, want audio", got)
	}

	if _, err := connection.DirectURL("not a url", connection.Params{}); err == nil {
		t.Error("expected error for relative base")
	}
}
