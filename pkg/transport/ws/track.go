package ws

import (
	"sync"

	"github.com/MrWong99/storycircle/pkg/transport"
)

var _ transport.Track = (*AudioTrack)(nil)

// AudioTrack is one direction of a session's audio. The bot track carries a
// frame channel; the local track only gates [Transport.SendAudio].
type AudioTrack struct {
	direction transport.Direction

	mu      sync.Mutex
	frames  chan []byte
	isEnded bool
}

// Kind implements [transport.Track].
func (a *AudioTrack) Kind() transport.TrackKind { return transport.TrackAudio }

// Direction implements [transport.Track].
func (a *AudioTrack) Direction() transport.Direction { return a.direction }

// Stop implements [transport.Track]. The bot track's frame channel is closed
// on the first call.
func (a *AudioTrack) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isEnded {
		return nil
	}
	a.isEnded = true
	if a.frames != nil {
		close(a.frames)
	}
	return nil
}

func (a *AudioTrack) stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isEnded
}

// deliver pushes pcm without blocking; frames are dropped when the consumer
// falls behind or the track is stopped.
func (a *AudioTrack) deliver(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isEnded || a.frames == nil {
		return
	}
	select {
	case a.frames <- pcm:
	default:
	}
}
