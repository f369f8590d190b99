// Package pool runs activity bodies with bounded concurrency.
//
// There is no queue in front of the workers: Submit blocks while all slots
// are taken. The runner's command loop is the only submitter, so a saturated
// pool stalls processing of new commands until a slot frees up.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/activity/internal/model"
	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the maximum number of concurrently running activities.
const DefaultLimit = model.DefaultMaxActive

type Pool struct {
	limit  int
	g      errgroup.Group
	mx     sync.RWMutex
	closed bool
	active atomic.Int64
	done   chan struct{}
	once   sync.Once
}

func New(limit int) *Pool {
	if limit <= 0 {
		limit = DefaultLimit
	}
	p := &Pool{
		limit: limit,
		done:  make(chan struct{}),
	}
	p.g.SetLimit(limit)
	return p
}

// Submit schedules fn on a free slot, blocking until one is available.
// Returns model.ErrPoolClosed once Shutdown has been called.
func (p *Pool) Submit(fn func()) error {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if p.closed {
		return model.ErrPoolClosed
	}
	p.g.Go(func() error {
		p.active.Add(1)
		defer p.active.Add(-1)
		fn()
		return nil
	})
	return nil
}

// Active returns number of running functions.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) Limit() int {
	return p.limit
}

// Shutdown stops accepting new work and waits up to grace for the running
// functions to return. model.ErrGraceExceeded says some are still running;
// goroutines can't be preempted, so they are abandoned and die with the
// process.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.mx.Lock()
	p.closed = true
	p.mx.Unlock()

	p.once.Do(func() {
		go func() {
			_ = p.g.Wait()
			close(p.done)
		}()
	})

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return model.ErrGraceExceeded
	}
}
