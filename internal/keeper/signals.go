package keeper

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// SignalHandler records the three signal intents: reload
// (SIGHUP, honored at the top of the loop), stop (SIGTERM/SIGINT, graceful
// after the current iteration), and stop-fast (SIGQUIT, honored between
// steps). Flags are sticky until consumed. The loop polls them between
// steps and during its sleep between iterations; they cancel no context, so
// a retry sleep inside a Monitor Client call runs to its end before a
// pending signal is seen.
type SignalHandler struct {
	reload   atomic.Bool
	stop     atomic.Bool
	stopFast atomic.Bool

	ch chan os.Signal
}

// NewSignalHandler installs the handler on the process signal set.
func NewSignalHandler() *SignalHandler {
	h := &SignalHandler{ch: make(chan os.Signal, 8)}
	signal.Notify(h.ch, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go h.dispatch()
	return h
}

func (h *SignalHandler) dispatch() {
	for sig := range h.ch {
		switch sig {
		case syscall.SIGHUP:
			h.reload.Store(true)
		case syscall.SIGTERM, syscall.SIGINT:
			h.stop.Store(true)
		case syscall.SIGQUIT:
			h.stopFast.Store(true)
			h.stop.Store(true)
		}
	}
}

// ConsumeReload reports and clears a pending reload request.
func (h *SignalHandler) ConsumeReload() bool {
	return h.reload.Swap(false)
}

// StopRequested reports a pending graceful-stop intent.
func (h *SignalHandler) StopRequested() bool {
	return h.stop.Load()
}

// FastShutdownRequested reports a pending immediate-stop intent; the loop
// checks it between steps.
func (h *SignalHandler) FastShutdownRequested() bool {
	return h.stopFast.Load()
}

// RequestStop sets the graceful-stop intent without an actual signal
// delivery.
func (h *SignalHandler) RequestStop() {
	h.stop.Store(true)
}

// Close detaches the handler from the process signal set.
func (h *SignalHandler) Close() {
	signal.Stop(h.ch)
	close(h.ch)
}
