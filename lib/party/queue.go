package party

import (
	"errors"
	"sync"

	"auxcord/partymode/lib/spotify"
)

// ErrDuplicateSubmission is returned when a guest submits a track that is
// already waiting in the queue or currently handed to the speakers.
var ErrDuplicateSubmission = errors.New("track already queued")

// Queue is one party's pending track list. The inFlight flag records
// whether a track has been handed to the device and not yet finished;
// while it is false the next submission must trigger a hand-off itself
// instead of waiting for a track-change event that will never come.
type Queue struct {
	mu       sync.Mutex
	pending  []spotify.Track
	past     []spotify.Track
	inFlight bool
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a track unless it is already pending or in flight.
func (q *Queue) Enqueue(track spotify.Track) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queued := range q.pending {
		if queued.ID == track.ID {
			return ErrDuplicateSubmission
		}
	}
	if q.inFlight && len(q.past) > 0 && q.past[len(q.past)-1].ID == track.ID {
		return ErrDuplicateSubmission
	}
	q.pending = append(q.pending, track)
	return nil
}

// BeginAdvance claims the in-flight slot. It returns true exactly once per
// idle period; the caller that gets true owes the queue a hand-off.
func (q *Queue) BeginAdvance() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight {
		return false
	}
	q.inFlight = true
	return true
}

// PopForAdvance takes the next track, records it as played and keeps the
// in-flight flag set. When the queue is empty it clears the flag in the
// same critical section, so a submission racing this call either sees the
// flag still set or finds an empty slot it can claim.
func (q *Queue) PopForAdvance() (spotify.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		q.inFlight = false
		return spotify.Track{}, false
	}
	track := q.pending[0]
	q.pending = q.pending[1:]
	q.past = append(q.past, track)
	return track, true
}

// InFlight reports whether a track is currently handed to the device.
func (q *Queue) InFlight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Current returns the track handed to the device, when there is one.
func (q *Queue) Current() (spotify.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.inFlight || len(q.past) == 0 {
		return spotify.Track{}, false
	}
	return q.past[len(q.past)-1], true
}

// Pending returns a snapshot of the waiting tracks in submission order.
func (q *Queue) Pending() []spotify.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]spotify.Track, len(q.pending))
	copy(snapshot, q.pending)
	return snapshot
}

// History returns a snapshot of every track handed off so far.
func (q *Queue) History() []spotify.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]spotify.Track, len(q.past))
	copy(snapshot, q.past)
	return snapshot
}

// Len is the number of waiting tracks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
