package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"photo-prep-go/internal/apperrors"
	"photo-prep-go/internal/pipeline"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a single compression from dispatch to the terminal message.
const DefaultTimeout = 60 * time.Second

// Host owns one worker per Run and translates its messages into a return
// value, an error or progress callbacks.
type Host struct {
	factory Factory
	timeout time.Duration
	logger  logrus.FieldLogger
}

// NewHost returns a Host. A non-positive timeout selects DefaultTimeout.
func NewHost(factory Factory, timeout time.Duration, logger logrus.FieldLogger) *Host {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Host{factory: factory, timeout: timeout, logger: logger}
}

// Run spawns a worker, sends it the job and waits for a terminal message.
// The worker is terminated and the timer stopped exactly once on every
// exit path.
func (h *Host) Run(ctx context.Context, job pipeline.Job, onProgress pipeline.ProgressFunc) (*pipeline.Output, error) {
	if onProgress == nil {
		onProgress = func(string, int) {}
	}

	w, err := h.factory()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindWorker, "Failed to create compression worker", err)
	}

	var (
		timer *time.Timer
		once  sync.Once
	)
	cleanup := func() {
		once.Do(func() {
			if timer != nil {
				timer.Stop()
			}
			w.Terminate()
		})
	}
	defer cleanup()

	w.PostMessage(Message{Type: MessageCompress, Job: &job})
	timer = time.NewTimer(h.timeout)

	messages := w.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return nil, apperrors.New(apperrors.KindWorker, "Image compression worker encountered an error")
			}
			switch msg.Type {
			case MessageProgress:
				h.logger.Debugf("%s (%d%%)", msg.Step, msg.Progress)
				onProgress(msg.Step, msg.Progress)
			case MessageResult:
				if msg.Output == nil || msg.Output.File == nil {
					return nil, apperrors.New(apperrors.KindWorker, "Image compression worker returned no result")
				}
				return msg.Output, nil
			case MessageError:
				return nil, &apperrors.Error{Kind: msg.Kind, Message: msg.Error}
			default:
				h.logger.Warnf("Unknown message type from worker: %q", msg.Type)
			}
		case <-timer.C:
			return nil, apperrors.New(apperrors.KindTimeout, "Compression timed out after "+describe(h.timeout))
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.KindCanceled, "Compression cancelled", ctx.Err())
		}
	}
}

func describe(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}
