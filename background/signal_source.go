//+build !windows

package background

import (
	"os"
	"os/signal"
	"syscall"
)

// SignalSource is a Source driven by SIGUSR1 (going to background) and
// SIGUSR2 (returning from background), adapted from
// internal/reload.Notifier's SIGUSR2-driven config-reload subscription
// for this package's richer four-transition lifecycle.
type SignalSource struct{}

// Subscribe implements Source.
func (SignalSource) Subscribe(onTransition func(Transition)) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range c {
			switch sig {
			case syscall.SIGUSR1:
				onTransition(TransitionGoingToBackground)
			case syscall.SIGUSR2:
				onTransition(TransitionReturningFromBackground)
			}
		}
	}()
}
