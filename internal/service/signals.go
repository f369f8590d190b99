package service

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Stopper is anything WatchSignals can shut down.
type Stopper interface {
	Stop()
}

// WatchSignals stops s on the first of sigs, SIGINT and SIGTERM when none are
// given. Signals are only delivered to a channel, the goroutine draining it
// does the actual Stop. The returned func stops watching.
func WatchSignals(s Stopper, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	quit := make(chan struct{})
	signal.Notify(ch, sigs...)

	var wg sync.WaitGroup
	wg.Go(func() {
		select {
		case sig := <-ch:
			slog.Info("signal received: stopping", "signal", sig.String())
			s.Stop()
		case <-quit:
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
			wg.Wait()
		})
	}
}
