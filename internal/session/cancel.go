package session

import (
	"context"

	"github.com/yourorg/batchwatch/internal/metrics"
)

// Cancel aborts the in-flight stream read and tells the backend to stop the
// session. Only the first call has an effect, and a call after the session
// reached, or the read loop chose, a terminal state does nothing. The stop notification runs in the
// background and its failure is only logged.
//
// Records that were pending a flush are dropped; records already visible
// stay. The session ends in the cancelled state.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		if s.ending || s.machine.state.Terminal() {
			s.mu.Unlock()
			return
		}
		s.cancelRequested = true
		s.stopping = true
		cancel := s.cancel
		s.mu.Unlock()

		s.logger.Info().Msg("batch session cancel requested")
		go s.notifyStop()
		if cancel != nil {
			cancel()
		}
	})
}

func (s *Session) notifyStop() {
	defer close(s.stopDone)
	if s.endpoint.StopURL == "" {
		return
	}
	if err := s.client.StopBatch(context.Background(), s.endpoint.StopURL, s.id); err != nil {
		metrics.IncStop("error")
		s.logger.Warn().Err(err).Msg("stop notification failed")
		return
	}
	metrics.IncStop("ok")
	s.logger.Debug().Msg("stop notification sent")
}
