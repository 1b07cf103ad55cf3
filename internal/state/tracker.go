// Package state exposes a compression as an observable record of
// progress, current step and last error.
package state

import (
	"context"
	"errors"
	"sync"

	"photo-prep-go/internal/apperrors"
	"photo-prep-go/internal/compressor"
	"photo-prep-go/internal/media"

	"github.com/sirupsen/logrus"
)

const (
	stepInitializing = "Initializing..."
	stepComplete     = "Complete!"

	unexpectedError = "An unexpected error occurred during compression"
)

// State is a snapshot of the tracked compression.
type State struct {
	IsCompressing bool   `json:"isCompressing"`
	Progress      int    `json:"progress"`
	CurrentStep   string `json:"currentStep"`
	Error         string `json:"error,omitempty"`
}

// Listener is notified with a copy of the state after every change.
// Deliveries happen in the order the changes were made. A listener must
// not call Reset or Compress on the tracker that notifies it.
type Listener func(State)

// Tracker wraps a Compressor and mirrors its lifecycle into a State.
type Tracker struct {
	compressor compressor.Compressor
	logger     logrus.FieldLogger

	// notifyMu orders deliveries; it is taken before mu.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	state     State
	listeners map[int]Listener
	nextID    int
}

// NewTracker returns a Tracker in the initial state.
func NewTracker(c compressor.Compressor, logger logrus.FieldLogger) *Tracker {
	return &Tracker{
		compressor: c,
		logger:     logger,
		listeners:  make(map[int]Listener),
	}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reset restores the initial state.
func (t *Tracker) Reset() {
	t.update(func(s *State) bool {
		*s = State{}
		return true
	})
}

// Subscribe registers fn and returns a function that removes it.
func (t *Tracker) Subscribe(fn Listener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Compress runs one compression through the wrapped Compressor while
// keeping the tracked state current. opts.OnProgress, when set, still
// receives every event.
func (t *Tracker) Compress(ctx context.Context, file *media.File, opts compressor.Options) (*compressor.Result, error) {
	started := t.update(func(s *State) bool {
		if s.IsCompressing {
			return false
		}
		*s = State{IsCompressing: true, CurrentStep: stepInitializing}
		return true
	})
	if !started {
		return nil, apperrors.New(apperrors.KindConcurrency, "Compression already in progress")
	}

	forward := opts.OnProgress
	opts.OnProgress = func(step string, progress int) {
		t.progress(step, progress)
		if forward != nil {
			forward(step, progress)
		}
	}

	res, err := t.compressor.Compress(ctx, file, opts)
	if err != nil {
		message := unexpectedError
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			message = appErr.Error()
		}
		t.update(func(s *State) bool {
			*s = State{Error: message}
			return true
		})
		t.logger.WithError(err).Error("Image compression failed")
		return nil, err
	}

	t.update(func(s *State) bool {
		*s = State{Progress: 100, CurrentStep: stepComplete}
		return true
	})
	t.logger.WithFields(logrus.Fields{
		"original_size":   res.OriginalSize,
		"compressed_size": res.CompressedSize,
		"ratio":           res.CompressionRatio,
	}).Info("Image compression completed")
	return res, nil
}

func (t *Tracker) progress(step string, progress int) {
	progress = min(100, max(0, progress))
	t.update(func(s *State) bool {
		s.CurrentStep = step
		if progress > s.Progress {
			s.Progress = progress
		}
		return true
	})
}

// update applies fn under the lock and notifies listeners when fn
// reports a change. Concurrent updates are delivered one at a time, in
// the order they were applied.
func (t *Tracker) update(fn func(*State) bool) bool {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if !fn(&t.state) {
		t.mu.Unlock()
		return false
	}
	snapshot := t.state
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
	return true
}
