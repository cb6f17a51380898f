package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/railpay/internal/payment/domain"
)

type createChargeRequest struct {
	TradeChannel string         `json:"trade_channel"`
	TradeType    string         `json:"trade_type"`
	OrderType    string         `json:"order_type"`
	OrderID      string         `json:"order_id"`
	Subject      string         `json:"subject"`
	Description  string         `json:"description"`
	TotalAmount  int64          `json:"total_amount"`
	Currency     string         `json:"currency"`
	Metadata     map[string]any `json:"metadata"`
	ExpiredAt    *time.Time     `json:"expired_at"`
}

// CreateCharge opens a charge and, when a channel is given, issues its
// credential.
func (s *Server) CreateCharge(c *gin.Context) {
	var req createChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		AbortWithError(c, newValidationError("subject", "required", "subject is required"))
		return
	}

	resp, err := s.chargeSvc.Create(c.Request.Context(), domain.CreateChargeRequest{
		TradeChannel: req.TradeChannel,
		TradeType:    req.TradeType,
		OrderType:    req.OrderType,
		OrderID:      req.OrderID,
		Subject:      req.Subject,
		Description:  req.Description,
		TotalAmount:  req.TotalAmount,
		Currency:     req.Currency,
		ClientIP:     c.ClientIP(),
		Metadata:     req.Metadata,
		ExpiredAt:    req.ExpiredAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": chargeView(resp)})
}

func (s *Server) GetCharge(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.chargeSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": chargeView(resp)})
}

type issueCredentialRequest struct {
	Channel   string         `json:"channel"`
	TradeType string         `json:"trade_type"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) IssueCredential(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req issueCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.chargeSvc.IssueCredential(c.Request.Context(), id, req.Channel, req.TradeType, req.Metadata)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": chargeView(resp)})
}

func (s *Server) CloseCharge(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ctx := c.Request.Context()
	closed, _, err := s.chargeSvc.Close(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.chargeSvc.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"closed": closed, "charge": chargeView(resp)}})
}

// SyncCharge polls the gateway for the charge's current state.
func (s *Server) SyncCharge(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.reconcileSvc.SyncCharge(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.synced.Set(id, resp, callbackSyncTTL)
	c.JSON(http.StatusOK, gin.H{"data": chargeView(resp)})
}

type createRefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// CreateRefund reserves a refund. An omitted amount refunds everything
// still refundable.
func (s *Server) CreateRefund(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req createRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Amount < 0 {
		AbortWithError(c, newValidationError("amount", "invalid_amount", "amount must not be negative"))
		return
	}

	resp, err := s.chargeSvc.Refund(c.Request.Context(), id, req.Amount, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.synced.Delete(id)
	c.JSON(http.StatusOK, gin.H{"data": refundView(resp)})
}

func (s *Server) ListRefunds(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	refunds, err := s.chargeSvc.ListRefunds(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp := make([]gin.H, 0, len(refunds))
	for i := range refunds {
		resp = append(resp, refundView(&refunds[i]))
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetRefund(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.refundSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": refundView(resp)})
}

type createTransferRequest struct {
	TradeChannel string `json:"trade_channel"`
	OrderType    string `json:"order_type"`
	OrderID      string `json:"order_id"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Description  string `json:"description"`
	Recipient    struct {
		Account     string `json:"account"`
		AccountType string `json:"account_type"`
		Name        string `json:"name"`
	} `json:"recipient"`
}

func (s *Server) CreateTransfer(c *gin.Context) {
	var req createTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.transferSvc.Create(c.Request.Context(), domain.CreateTransferRequest{
		TradeChannel: req.TradeChannel,
		OrderType:    req.OrderType,
		OrderID:      req.OrderID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Description:  req.Description,
		Recipient: domain.Recipient{
			Account:     req.Recipient.Account,
			AccountType: req.Recipient.AccountType,
			Name:        req.Recipient.Name,
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": transferView(resp)})
}

func (s *Server) GetTransfer(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp, err := s.transferSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": transferView(resp)})
}

func chargeView(ch *domain.Charge) gin.H {
	return gin.H{
		"charge":      ch,
		"state_label": ch.StateLabel(),
		"state_dot":   ch.StateDot(),
		"paid":        ch.Paid(),
		"refundable":  ch.Refundable().Value,
	}
}

func refundView(r *domain.Refund) gin.H {
	return gin.H{
		"refund":       r,
		"status_label": r.StatusLabel(),
		"status_dot":   r.StatusDot(),
	}
}

func transferView(t *domain.Transfer) gin.H {
	return gin.H{
		"transfer":     t,
		"status_label": t.StatusLabel(),
		"status_dot":   t.StatusDot(),
	}
}
