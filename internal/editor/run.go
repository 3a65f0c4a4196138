package editor

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/notepad/internal/kv"
	"go.uber.org/zap"
)

// Run reconciles on every poll tick and on every external write to the
// documents key until ctx is done. Pending edits are flushed on exit.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	defer s.Flush()

	var events <-chan kv.Event
	if s.notifier != nil {
		stream, unsubscribe := s.notifier.Subscribe(ctx)
		defer unsubscribe()
		events = stream
	}
	documentsKey := s.documentStore.Keys().Documents()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Reconcile()
		case event, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("change notifications stopped")
				events = nil
				continue
			}
			if event.Key != documentsKey {
				continue
			}
			s.logger.Debug("external documents write observed", zap.Bool("removed", event.Removed))
			s.Reconcile()
		}
	}
}
