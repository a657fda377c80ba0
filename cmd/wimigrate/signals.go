package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/steveyegge/wimigrate/internal/migrate"
)

// watchSignals turns operator signals into engine control calls until the
// returned stop function is called. The first interrupt cancels
// cooperatively; a second one aborts in-flight calls through abort.
func watchSignals(abort context.CancelFunc, eng *migrate.Engine, notify func(string)) (stop func()) {
	watched := []os.Signal{os.Interrupt, syscall.SIGTERM}
	if pauseSignal != nil {
		watched = append(watched, pauseSignal, resumeSignal)
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, watched...)

	done := make(chan struct{})
	go func() {
		interrupts := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				handleSignal(sig, &interrupts, abort, eng, notify)
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func handleSignal(sig os.Signal, interrupts *int, abort context.CancelFunc, eng *migrate.Engine, notify func(string)) {
	switch {
	case pauseSignal != nil && sig == pauseSignal:
		if err := eng.Pause(); err != nil {
			logger.Debug("pause ignored", "error", err)
			return
		}
		notify("paused before the next item; send SIGUSR2 to resume")
	case resumeSignal != nil && sig == resumeSignal:
		if err := eng.Resume(); err != nil {
			logger.Debug("resume ignored", "error", err)
			return
		}
		notify("resumed")
	default:
		*interrupts++
		if *interrupts == 1 {
			_ = eng.Cancel()
			notify("cancelling after in-flight items; interrupt again to abort")
			return
		}
		notify("aborting")
		abort()
	}
}
