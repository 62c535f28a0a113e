package session

import (
	"time"

	"github.com/code-100-precent/lingecho-gateway/pkg/codec"
	"go.uber.org/zap"
)

// pace sends one queued frame per tick. A writer that is not draining is
// reported to the session loop instead of being written to.
func (s *Session) pace(streamSID string) {
	defer s.bg.Done()
	ticker := time.NewTicker(codec.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			if s.writer.Backpressured() {
				select {
				case s.backpressure <- struct{}{}:
				default:
				}
				continue
			}
			frame, ok := s.queue.Pop()
			if !ok {
				continue
			}
			msg, err := encodeMedia(streamSID, frame)
			if err != nil {
				s.logger.Error("[Session] --- encode outbound media failed", zap.Error(err))
				continue
			}
			if s.writer.SendText(msg) {
				s.deps.Metrics.OutboundFrame()
			} else if s.writerDrops.Add(1) == 1 {
				s.logger.Warn("[Session] --- outbound frame not queued", zap.Bool("writerClosed", s.writer.Closed()))
			}
		}
	}
}
