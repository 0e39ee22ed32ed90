package p2p

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

var errWorkerRunning = errors.New("worker already running")

// Start runs Update every UpdateInterval on a background goroutine until
// ctx is cancelled, Stop is called, or the session reaches a terminal state.
// Callbacks fired by the worker run in order on a separate goroutine.
// Without Start the application must call Update itself.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.workerCancel != nil {
		return errWorkerRunning
	}
	if s.state == StateClosed {
		return ErrClosed
	}

	wctx, cancel := context.WithCancel(ctx)
	s.workerCancel = cancel
	s.workerDone = make(chan struct{})
	go s.updateLoop(wctx, s.workerDone)
	return nil
}

// Stop halts the worker started by Start and waits for its update loop to
// exit. Callbacks already handed off may still be running when it returns.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.workerCancel, s.workerDone
	s.workerCancel, s.workerDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// updateLoop ticks the engine on a fixed interval. Callbacks are handed
// to a dispatch goroutine so a callback may Stop or Destroy the session
// without waiting on the loop that queued it.
func (s *Session) updateLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	dispatch := make(chan []func(), 16)
	defer close(dispatch)
	go func() {
		for cbs := range dispatch {
			runCallbacks(cbs)
		}
	}()

	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cbs, err := s.updateLocked()
			if err != nil {
				log.Warn().Err(err).Msg("session update failed")
			}
			if len(cbs) > 0 {
				select {
				case dispatch <- cbs:
				case <-ctx.Done():
					return
				}
			}
			switch s.State() {
			case StateClosed, StateError:
				log.Debug().Msg("worker exiting on terminal state")
				return
			}
		}
	}
}
