// Package ws implements [transport.Transport] over a WebSocket carrying
// RTVI-style JSON frames.
//
// Every frame is a JSON object {"type": "...", "data": {...}}. After dialling,
// the client announces itself with a "client-ready" frame; the bot answers
// with "bot-ready" once it can converse. Speech activity, transcripts and bot
// audio arrive as further frames and are published as [transport.Event]
// values or delivered to the bot audio track.
//
// Microphone audio is sent with [Transport.SendAudio] as base64 PCM inside a
// "user-audio" frame.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/storycircle/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

const defaultAudioBuffer = 64

// Option is a functional option for [New].
type Option func(*Transport)

// WithAudioBuffer sets the capacity of the bot audio channel. Frames arriving
// while the channel is full are dropped.
func WithAudioBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.audioBuffer = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// Transport is a WebSocket voice transport. One Transport holds at most one
// session at a time; it can be reconnected after Disconnect.
type Transport struct {
	audioBuffer int
	httpClient  *http.Client
	emitter     transport.Emitter

	mu    sync.Mutex
	state transport.State
	sess  *session
}

// New returns a disconnected [Transport].
func New(opts ...Option) *Transport {
	t := &Transport{audioBuffer: defaultAudioBuffer}
	for _, o := range opts {
		o(t)
	}
	return t
}

// frame is the envelope of every message in both directions.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type transcriptData struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type audioData struct {
	Audio string `json:"audio"`
}

// State implements [transport.Transport].
func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect implements [transport.Transport]. It dials target.URL, sending the
// token as a bearer Authorization header when present, and announces the
// client with a "client-ready" frame.
func (t *Transport) Connect(ctx context.Context, target transport.Target) error {
	t.mu.Lock()
	if t.sess != nil || t.state == transport.StateConnecting {
		st := t.state
		t.mu.Unlock()
		return fmt.Errorf("ws: connect: session already %s", st)
	}
	t.state = transport.StateConnecting
	t.mu.Unlock()

	opts := &websocket.DialOptions{HTTPClient: t.httpClient}
	if target.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + target.Token}}
	}
	conn, _, err := websocket.Dial(ctx, target.URL, opts)
	if err != nil {
		t.setState(transport.StateDisconnected)
		return fmt.Errorf("ws: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		ctx:    sessCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		local:  &AudioTrack{direction: transport.DirectionLocal},
		bot: &AudioTrack{
			direction: transport.DirectionBot,
			frames:    make(chan []byte, t.audioBuffer),
		},
	}

	if err := s.writeJSON(outFrame{Type: "client-ready"}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "client-ready failed")
		t.setState(transport.StateDisconnected)
		return fmt.Errorf("ws: client-ready: %w", err)
	}

	t.mu.Lock()
	t.sess = s
	t.state = transport.StateConnected
	t.mu.Unlock()

	t.emitter.Emit(transport.Event{Type: transport.EventConnected})

	go t.receiveLoop(s)
	return nil
}

// Disconnect implements [transport.Transport]. It closes the socket, stops
// both tracks and waits for the receive loop to exit or ctx to be done.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	s := t.sess
	if s == nil {
		t.mu.Unlock()
		return nil
	}
	t.state = transport.StateDisconnecting
	t.mu.Unlock()

	s.close()

	select {
	case <-s.done:
	case <-ctx.Done():
	}
	t.finish(s, transport.StateDisconnected)
	return nil
}

// SendMessage implements [transport.Transport]. It returns
// [transport.ErrNotReady] until the bot has sent "bot-ready".
func (t *Transport) SendMessage(ctx context.Context, msgType string, payload any) error {
	s, err := t.readySession()
	if err != nil {
		return err
	}
	if err := s.writeJSONCtx(ctx, outFrame{Type: msgType, Data: payload}); err != nil {
		return fmt.Errorf("ws: send %s: %w", msgType, err)
	}
	return nil
}

// SendAudio sends one chunk of microphone PCM. It fails with
// [transport.ErrClosed] once the local track has been stopped.
func (t *Transport) SendAudio(ctx context.Context, pcm []byte) error {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()
	if s == nil || s.local.stopped() {
		return transport.ErrClosed
	}
	msg := outFrame{Type: "user-audio", Data: audioData{Audio: base64.StdEncoding.EncodeToString(pcm)}}
	if err := s.writeJSONCtx(ctx, msg); err != nil {
		return fmt.Errorf("ws: send audio: %w", err)
	}
	return nil
}

// BotAudio returns the channel of decoded bot audio chunks for the current
// session, or nil when disconnected. The channel is closed when the bot track
// is stopped.
func (t *Transport) BotAudio() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return nil
	}
	return t.sess.bot.frames
}

// On implements [transport.Transport].
func (t *Transport) On(et transport.EventType, h transport.Handler) func() {
	return t.emitter.On(et, h)
}

// Tracks implements [transport.Transport].
func (t *Transport) Tracks() []transport.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return nil
	}
	return []transport.Track{t.sess.local, t.sess.bot}
}

func (t *Transport) setState(st transport.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = st
}

func (t *Transport) readySession() (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil || t.state != transport.StateReady {
		return nil, transport.ErrNotReady
	}
	return t.sess, nil
}

// finish detaches s if it is still current and emits the disconnected event
// exactly once per session.
func (t *Transport) finish(s *session, st transport.State) {
	t.mu.Lock()
	if t.sess == s {
		t.sess = nil
		t.state = st
	}
	t.mu.Unlock()

	s.local.Stop()
	s.bot.Stop()
	s.disconnectOnce.Do(func() {
		t.emitter.Emit(transport.Event{Type: transport.EventDisconnected})
	})
}

// receiveLoop reads frames until the socket closes and dispatches them.
func (t *Transport) receiveLoop(s *session) {
	defer close(s.done)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			st := transport.StateDisconnected
			if websocket.CloseStatus(err) == -1 {
				slog.Warn("ws: read failed", "err", err)
				st = transport.StateError
			}
			s.close()
			t.finish(s, st)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("ws: dropping malformed frame", "err", err)
			continue
		}
		t.handleFrame(s, f)
	}
}

func (t *Transport) handleFrame(s *session, f frame) {
	switch f.Type {
	case "bot-ready":
		t.mu.Lock()
		if t.sess == s {
			t.state = transport.StateReady
		}
		t.mu.Unlock()
		t.emitter.Emit(transport.Event{Type: transport.EventBotReady})
	case "user-started-speaking":
		t.emitter.Emit(transport.Event{Type: transport.EventUserStartedSpeaking})
	case "user-stopped-speaking":
		t.emitter.Emit(transport.Event{Type: transport.EventUserStoppedSpeaking})
	case "bot-started-speaking":
		t.emitter.Emit(transport.Event{Type: transport.EventBotStartedSpeaking})
	case "bot-stopped-speaking":
		t.emitter.Emit(transport.Event{Type: transport.EventBotStoppedSpeaking})
	case "user-transcription":
		var d transcriptData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			slog.Debug("ws: bad user-transcription", "err", err)
			return
		}
		t.emitter.Emit(transport.Event{Type: transport.EventUserTranscript, Text: d.Text, Final: d.Final})
	case "bot-transcription":
		var d transcriptData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			slog.Debug("ws: bad bot-transcription", "err", err)
			return
		}
		t.emitter.Emit(transport.Event{Type: transport.EventBotTranscript, Text: d.Text, Final: true})
	case "bot-audio":
		var d audioData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(d.Audio)
		if err != nil {
			slog.Debug("ws: bad bot-audio payload", "err", err)
			return
		}
		s.bot.deliver(pcm)
	default:
		slog.Debug("ws: ignoring frame", "type", f.Type)
	}
}

// session is one live socket.
type session struct {
	conn           *websocket.Conn
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	closeOnce      sync.Once
	disconnectOnce sync.Once

	local *AudioTrack
	bot   *AudioTrack
}

func (s *session) writeJSON(v any) error {
	return s.writeJSONCtx(s.ctx, v)
}

func (s *session) writeJSONCtx(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
}
