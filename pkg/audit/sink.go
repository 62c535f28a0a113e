package audit

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookSink posts each event as JSON to an external collector.
type WebhookSink struct {
	client *resty.Client
	url    string
}

// NewWebhookSink creates a sink; key is sent as a bearer token when set.
func NewWebhookSink(url, key string, timeout time.Duration) *WebhookSink {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if key != "" {
		client.SetAuthToken(key)
	}
	return &WebhookSink{client: client, url: url}
}

// Handle is a bus Handler.
func (s *WebhookSink) Handle(event Event) error {
	resp, err := s.client.R().SetBody(event).Post(s.url)
	if err != nil {
		return fmt.Errorf("audit webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("audit webhook: status %d", resp.StatusCode())
	}
	return nil
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Handle(event Event) error {
	fields := []zap.Field{
		zap.String("eventId", event.ID),
		zap.String("eventType", event.Type),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	if event.StreamSID != "" {
		fields = append(fields, zap.String("stream_sid", event.StreamSID))
	}
	if event.CallSID != "" {
		fields = append(fields, zap.String("call_sid", event.CallSID))
	}
	if event.RemoteAddr != "" {
		fields = append(fields, zap.String("remote_addr", event.RemoteAddr))
	}
	for k, v := range event.Data {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info("[Audit] "+event.Type, fields...)
	return nil
}
