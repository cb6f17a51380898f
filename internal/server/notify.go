package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/railpay/internal/observability/logger"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/zap"
)

const maxNotifyBody = 1 << 20

// HandleNotify verifies and applies one asynchronous gateway notification
// and answers with the channel's own acknowledgement body.
func (s *Server) HandleNotify(c *gin.Context) {
	channel := strings.ToLower(strings.TrimSpace(c.Param("channel")))

	var payload []byte
	if c.Request.Method == http.MethodGet {
		payload = []byte(c.Request.URL.RawQuery)
	} else {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxNotifyBody))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		payload = body
	}
	if len(payload) == 0 {
		AbortWithError(c, domain.ErrInvalidPayload)
		return
	}

	ack, err := s.reconcileSvc.IngestNotification(c.Request.Context(), channel, payload, c.Request.Header)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("notification not accepted",
			zap.String("channel", channel),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	contentType := ack.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	c.Data(http.StatusOK, contentType, ack.Body)
}

// HandleCallback backs the gateway return page. It polls the gateway at most
// once per charge every few seconds.
func (s *Server) HandleCallback(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	charge, ok := s.synced.Get(id)
	if !ok {
		charge, err = s.reconcileSvc.SyncCharge(c.Request.Context(), id)
		if err != nil {
			if !domain.IsTransient(err) {
				AbortWithError(c, err)
				return
			}
			s.log.Warn("callback sync failed, serving stored state",
				zap.String("charge_id", id.String()),
				zap.Error(err),
			)
			charge, err = s.chargeSvc.Get(c.Request.Context(), id)
			if err != nil {
				AbortWithError(c, err)
				return
			}
		}
		s.synced.Set(id, charge, callbackSyncTTL)
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"id":          charge.ID,
		"state":       charge.State,
		"state_label": charge.StateLabel(),
		"paid":        charge.Paid(),
		"closed":      charge.Closed(),
	}})
}
