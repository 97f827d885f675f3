package mirror

import (
	"context"
	"fmt"
	"sync"
)

// Player renders one PCM16 chunk and returns once it finished playing.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// PlaybackError reports a chunk the local player could not render.
type PlaybackError struct {
	Seq int
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback of chunk %d failed: %v", e.Seq, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

type queuedChunk struct {
	seq int
	pcm []byte
}

// PlaybackQueue plays chunks strictly one at a time in arrival order. The
// next chunk starts only after Play returned for the previous one.
type PlaybackQueue struct {
	player  Player
	onError func(*PlaybackError)

	mu      sync.Mutex
	pending []queuedChunk
	seq     int
	idle    bool
	idleCh  chan struct{}
	wake    chan struct{}
}

func NewPlaybackQueue(player Player, onError func(*PlaybackError)) *PlaybackQueue {
	idleCh := make(chan struct{})
	close(idleCh)
	return &PlaybackQueue{
		player:  player,
		onError: onError,
		idle:    true,
		idleCh:  idleCh,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue appends a chunk and returns its sequence number.
func (q *PlaybackQueue) Enqueue(pcm []byte) int {
	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.pending = append(q.pending, queuedChunk{seq: seq, pcm: pcm})
	if q.idle {
		q.idle = false
		q.idleCh = make(chan struct{})
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return seq
}

// Reset drops chunks that have not started playing and returns how many.
func (q *PlaybackQueue) Reset() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	return n
}

func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run consumes the queue until ctx is cancelled.
func (q *PlaybackQueue) Run(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			if !q.idle {
				q.idle = true
				close(q.idleCh)
			}
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.player.Play(ctx, next.pcm); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if q.onError != nil {
				q.onError(&PlaybackError{Seq: next.seq, Err: err})
			}
		}
	}
}

// Wait blocks until every queued chunk finished playing.
func (q *PlaybackQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idleCh := q.idleCh
	q.mu.Unlock()
	select {
	case <-idleCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
