package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/meterflow/internal/ledger/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
)

type listLedgerEntriesQuery struct {
	PageToken     string `form:"page_token"`
	PageSize      int    `form:"page_size"`
	ReferenceType string `form:"reference_type"`
	ReferenceID   string `form:"reference_id"`
}

func (s *Server) ListLedgerEntries(c *gin.Context) {
	var query listLedgerEntriesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	referenceType := ledgerdomain.ReferenceType(strings.ToLower(strings.TrimSpace(query.ReferenceType)))
	switch referenceType {
	case "", ledgerdomain.ReferenceInvoice, ledgerdomain.ReferenceAdjustment, ledgerdomain.ReferenceVoid:
	default:
		AbortWithError(c, newValidationError("reference_type", "invalid_reference_type", "invalid reference_type"))
		return
	}

	resp, err := s.ledgerSvc.ListEntries(c.Request.Context(), ledgerdomain.ListEntriesRequest{
		TenantID:      tenantFromContext(c),
		ReferenceType: referenceType,
		ReferenceID:   strings.TrimSpace(query.ReferenceID),
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
		"data":      resp.Entries,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetLedgerBalance(c *gin.Context) {
	balance, err := s.ledgerSvc.Balance(c.Request.Context(), tenantFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}
