package handlers

import (
	"time"

	"github.com/code-100-precent/lingecho-gateway/internal/session"
	"github.com/code-100-precent/lingecho-gateway/pkg/audit"
	"github.com/code-100-precent/lingecho-gateway/pkg/auth"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream authenticates and upgrades a telephony media stream, then runs the
// session until it closes. Rejected upgrades are completed and immediately
// closed with a policy violation so the provider sees the reason.
func (h *Handlers) Stream(c *gin.Context) {
	result, authErr := h.rt.Auth.Authenticate(c.Request)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("[Stream] upgrade failed", zap.Error(err), zap.String("ip", c.ClientIP()))
		return
	}

	if result.ProviderSignature == auth.SignatureAbsent || result.ProviderSignature == auth.SignatureInvalid {
		ev := audit.NewEvent(audit.TypeProviderSignature, map[string]interface{}{
			"status": string(result.ProviderSignature),
		})
		ev.RemoteAddr = c.ClientIP()
		h.rt.Auditor().Record(ev)
	}

	if authErr != nil {
		h.deny(c, conn, auth.Reason(authErr))
		return
	}

	h.logger.Info("[Stream] upgrade accepted",
		zap.String("mode", string(result.Mode)),
		zap.String("subject", result.Subject),
		zap.String("ip", c.ClientIP()))

	s := session.New(conn, h.rt.SessionConfig(), h.rt.SessionDeps())
	s.Run(h.rt.Context())
}

func (h *Handlers) deny(c *gin.Context, conn *websocket.Conn, reason string) {
	h.rt.Metrics.AuthDenied(reason)
	h.logger.Warn("[Stream] upgrade denied", zap.String("reason", reason), zap.String("ip", c.ClientIP()))

	ev := audit.NewEvent(audit.TypeUpgradeDenied, map[string]interface{}{
		"reason": reason,
		"path":   c.Request.URL.Path,
	})
	ev.RemoteAddr = c.ClientIP()
	h.rt.Auditor().Record(ev)

	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		h.logger.Debug("[Stream] close frame not sent", zap.Error(err))
	}
	_ = conn.Close()
}
