// Package worker runs the pixel pipeline on a background goroutine and
// talks to it through a small tagged message protocol.
package worker

import (
	"context"
	"fmt"

	"photo-prep-go/internal/apperrors"
	"photo-prep-go/internal/pipeline"

	"github.com/sirupsen/logrus"
)

// MessageType tags a Message. The set is closed.
type MessageType string

const (
	MessageCompress MessageType = "compress"
	MessageProgress MessageType = "progress"
	MessageResult   MessageType = "result"
	MessageError    MessageType = "error"
)

// Message is the unit exchanged between a Host and a Worker. Only the
// fields belonging to Type are set.
type Message struct {
	Type MessageType

	// compress
	Job *pipeline.Job

	// progress
	Step     string
	Progress int

	// result
	Output *pipeline.Output

	// error
	Kind  apperrors.Kind
	Error string
}

// Worker is a background execution context.
type Worker interface {
	// PostMessage delivers a command to the worker.
	PostMessage(msg Message)
	// Messages streams progress and terminal messages. It is closed when
	// the worker stops.
	Messages() <-chan Message
	// Terminate stops the worker. Safe to call more than once.
	Terminate()
}

// Factory creates a new Worker for one compression.
type Factory func() (Worker, error)

// Processor is the work a goroutine worker performs for a compress command.
type Processor interface {
	Run(ctx context.Context, job pipeline.Job, report pipeline.ProgressFunc) (*pipeline.Output, error)
}

const (
	stepStarting = "Starting compression..."
	stepComplete = "Complete!"
)

// NewFactory returns a Factory that starts goroutine workers running p.
func NewFactory(p Processor, logger logrus.FieldLogger) Factory {
	return func() (Worker, error) {
		if p == nil {
			return nil, fmt.Errorf("no processor configured")
		}
		return Start(p, logger), nil
	}
}

type goroutineWorker struct {
	processor Processor
	logger    logrus.FieldLogger
	inbox     chan Message
	outbox    chan Message
	ctx       context.Context
	cancel    context.CancelFunc
}

// Start launches a worker goroutine that serves compress commands until
// it is terminated.
func Start(p Processor, logger logrus.FieldLogger) Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &goroutineWorker{
		processor: p,
		logger:    logger,
		inbox:     make(chan Message, 1),
		outbox:    make(chan Message),
		ctx:       ctx,
		cancel:    cancel,
	}
	go w.loop()
	return w
}

func (w *goroutineWorker) PostMessage(msg Message) {
	select {
	case w.inbox <- msg:
	case <-w.ctx.Done():
	}
}

func (w *goroutineWorker) Messages() <-chan Message {
	return w.outbox
}

func (w *goroutineWorker) Terminate() {
	w.cancel()
}

func (w *goroutineWorker) loop() {
	defer close(w.outbox)
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.inbox:
			w.handle(msg)
		}
	}
}

func (w *goroutineWorker) handle(msg Message) {
	if msg.Type != MessageCompress || msg.Job == nil {
		w.postError(apperrors.KindWorker, "Invalid message type")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorf("Compression worker panic: %v", r)
			w.postError(apperrors.KindWorker, fmt.Sprintf("Image compression worker encountered an error: %v", r))
		}
	}()

	job := *msg.Job
	w.logger.Debugf("Starting compression: %s (%d bytes) -> target: %d bytes", job.File.Name, job.File.Size(), job.TargetSizeBytes)
	w.postProgress(stepStarting, 0)

	out, err := w.processor.Run(w.ctx, job, w.postProgress)
	if err != nil {
		kind := apperrors.KindOf(err)
		message := err.Error()
		if kind == apperrors.KindUnknown {
			kind = apperrors.KindWorker
			message = "Compression failed: " + message
		}
		w.postError(kind, message)
		return
	}

	w.postProgress(stepComplete, 100)
	w.post(Message{Type: MessageResult, Output: out})
}

func (w *goroutineWorker) postProgress(step string, progress int) {
	w.post(Message{Type: MessageProgress, Step: step, Progress: progress})
}

func (w *goroutineWorker) postError(kind apperrors.Kind, message string) {
	w.post(Message{Type: MessageError, Kind: kind, Error: message})
}

// post blocks until the host reads the message or the worker is terminated.
func (w *goroutineWorker) post(msg Message) {
	select {
	case w.outbox <- msg:
	case <-w.ctx.Done():
	}
}
