package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	reconciliationdomain "github.com/smallbiznis/meterflow/internal/reconciliation/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
)

type billingPeriodRequest struct {
	At *time.Time `json:"at" binding:"required"`
}

type voidInvoiceRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type listInvoicesQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Status    string `form:"status"`
}

func (s *Server) ListInvoices(c *gin.Context) {
	var query listInvoicesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	status := invoicedomain.InvoiceStatus(strings.ToLower(strings.TrimSpace(query.Status)))
	switch status {
	case "", invoicedomain.InvoiceStatusDraft, invoicedomain.InvoiceStatusFinalized, invoicedomain.InvoiceStatusVoided:
	default:
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), invoicedomain.ListInvoiceRequest{
		TenantID: tenantFromContext(c),
		Status:   status,
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Invoices,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}

	item, err := s.invoiceSvc.Get(c.Request.Context(), tenantFromContext(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

// RefreshInvoice reprices the draft of the billing period containing at,
// opening it first when needed.
func (s *Server) RefreshInvoice(c *gin.Context) {
	var req billingPeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	p, err := s.periodFrom(nil, nil, req.At)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	tenantID := tenantFromContext(c)
	if _, err := s.invoiceSvc.EnsureDraft(ctx, tenantID, p); err != nil {
		AbortWithError(c, err)
		return
	}
	item, err := s.invoiceSvc.RefreshDraft(ctx, tenantID, p)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

// FinalizeInvoice runs the full reconciliation of the period and then
// finalizes it. Drift, open buckets and a concurrent finalize answer 409.
func (s *Server) FinalizeInvoice(c *gin.Context) {
	var req billingPeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}
	p, err := s.periodFrom(nil, nil, req.At)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	tenantID := tenantFromContext(c)
	if _, err := s.reconciliationSvc.Reconcile(ctx, reconciliationdomain.Scope{
		Level:    reconciliationdomain.LevelFull,
		TenantID: tenantID,
		Period:   p,
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	item, err := s.invoiceSvc.Finalize(ctx, tenantID, p)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) VoidInvoice(c *gin.Context) {
	id, ok := invoiceIDParam(c)
	if !ok {
		return
	}
	var req voidInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	item, err := s.invoiceSvc.Void(c.Request.Context(), tenantFromContext(c), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func invoiceIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := idParam("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return 0, false
	}
	return id, true
}
