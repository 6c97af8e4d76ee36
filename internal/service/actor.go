package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned for work submitted to a stopped actor or registry.
var ErrClosed = errors.New("agent is closed")

const mailboxSize = 64

// Op is a unit of work run against an identity's agent.
type Op func(ctx context.Context, a *Agent) error

type job struct {
	ctx  context.Context
	op   Op
	done chan error
}

// Actor runs every operation of one identity on a single goroutine, in
// submission order. An operation waiting on storage or inference keeps the
// mailbox blocked until it returns.
type Actor struct {
	agent  *Agent
	logger *zap.Logger

	mailbox  chan job
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func newActor(agent *Agent, logger *zap.Logger) *Actor {
	a := &Actor{
		agent:   agent,
		logger:  logger,
		mailbox: make(chan job, mailboxSize),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	defer close(a.stopped)
	for {
		select {
		case <-a.quit:
			return
		case j := <-a.mailbox:
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				continue
			}
			j.done <- a.execute(j)
		}
	}
}

func (a *Actor) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Operation panicked", zap.Any("panic", r))
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()

	if err := a.agent.ensureLoaded(j.ctx); err != nil {
		return err
	}
	return j.op(j.ctx, a.agent)
}

// Do runs op on the actor and waits for it to finish. Work queued behind
// other operations is skipped if ctx is done by the time it is dequeued.
func (a *Actor) Do(ctx context.Context, op Op) error {
	j := job{ctx: ctx, op: op, done: make(chan error, 1)}

	select {
	case a.mailbox <- j:
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-a.stopped:
		select {
		case err := <-j.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Identity returns the identity served by the actor.
func (a *Actor) Identity() string { return a.agent.Identity() }

// Stop ends the actor after the in-flight operation, if any, completes.
// Queued operations fail with ErrClosed.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.quit) })
	<-a.stopped
}
