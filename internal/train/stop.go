package train

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrForcedExit is reported when a second interrupt arrives before the
// graceful stop finished. Callers should exit immediately.
var ErrForcedExit = errors.New("forced exit")

// Stopper turns interrupts into a graceful stop. The first SIGINT or SIGTERM
// cancels the context; the second calls Force.
type Stopper struct {
	// Force runs on the second interrupt. Commands set it to os.Exit.
	Force func(error)

	hits   atomic.Int32
	cancel context.CancelFunc
	sigs   chan os.Signal
	done   chan struct{}
}

// WatchSignals starts a Stopper derived from ctx. Stop releases the handler.
func WatchSignals(ctx context.Context) (context.Context, *Stopper) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stopper{cancel: cancel, sigs: make(chan os.Signal, 2), done: make(chan struct{})}
	signal.Notify(s.sigs, os.Interrupt, syscall.SIGTERM)
	go s.loop()
	return ctx, s
}

func (s *Stopper) loop() {
	for {
		select {
		case <-s.done:
			return
		case sig := <-s.sigs:
			s.Interrupt(sig.String())
		}
	}
}

// Interrupt records one interrupt.
func (s *Stopper) Interrupt(why string) {
	switch s.hits.Add(1) {
	case 1:
		klog.Warningf("%s: stopping after the current step, interrupt again to exit now", why)
		s.cancel()
	case 2:
		klog.Errorf("%s: exiting without checkpoint", why)
		if s.Force != nil {
			s.Force(ErrForcedExit)
		}
	}
}

// Interrupted reports whether at least one interrupt was received.
func (s *Stopper) Interrupted() bool { return s.hits.Load() > 0 }

// Stop unregisters the signal handler and cancels the context.
func (s *Stopper) Stop() {
	signal.Stop(s.sigs)
	close(s.done)
	s.cancel()
}

// consumeStopFile reports whether dir holds a stop_signal file, removing it
// so the next run starts clean.
func consumeStopFile(dir string) bool {
	path := filepath.Join(dir, StopFileName)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		klog.Warningf("remove %s: %v", path, err)
	}
	return true
}
