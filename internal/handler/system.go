package handlers

import (
	"github.com/code-100-precent/lingecho-gateway/pkg/response"
	"github.com/gin-gonic/gin"
)

// Health answers liveness probes.
func (h *Handlers) Health(c *gin.Context) {
	response.Success(c, gin.H{
		"service":       h.rt.Config().Server.Name,
		"uptimeSeconds": int64(h.rt.Uptime().Seconds()),
	})
}

// Metrics serves the rolling gateway counters as JSON.
func (h *Handlers) Metrics(c *gin.Context) {
	snap := h.rt.Metrics.Snapshot()
	response.Success(c, gin.H{
		"inboundFrameRate10s":          snap.InboundFrameRate10s,
		"inboundFrames10s":             snap.InboundFrames10s,
		"backpressureEvents10m":        snap.BackpressureEvents10m,
		"secondsSinceLastInbound":      snap.SecondsSinceLastInbound,
		"secondsSinceLastBackpressure": snap.SecondsSinceLastBackpressure,
		"activeSessions":               snap.ActiveSessions,
		"connections":                  h.rt.Connections(c.Request.Context()),
		"recordingEnabled":             h.rt.RecordingEnabled(),
		"totals":                       snap.Totals,
	})
}
