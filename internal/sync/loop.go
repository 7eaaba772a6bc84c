package syncstate

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrLoopStopped is returned when work is submitted after the loop exited.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop runs submitted tasks one at a time on a single goroutine. Every
// document mutation goes through it, so a message is decoded, applied and
// relayed to completion before the next one is looked at.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	logger zerolog.Logger
}

// NewLoop creates a loop whose queue holds buffer tasks.
func NewLoop(buffer int, logger zerolog.Logger) *Loop {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Loop{
		tasks:  make(chan func(), buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run processes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	l.logger.Info().Int("buffer", cap(l.tasks)).Msg("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("event loop stopped")
			return
		case task := <-l.tasks:
			loopQueueDepth.Set(float64(len(l.tasks)))
			l.run(task)
		}
	}
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("event loop task panicked")
		}
	}()
	task()
}

// Submit enqueues task without waiting for it to run. It blocks while the
// queue is full.
func (l *Loop) Submit(ctx context.Context, task func()) error {
	select {
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.tasks <- task:
		loopQueueDepth.Set(float64(len(l.tasks)))
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs task on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if err := l.Submit(ctx, func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
