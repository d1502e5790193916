package api

import (
	"fmt"
	"net/http"

	"credit-ledger/internal/auth"
	"credit-ledger/internal/ledger"

	"github.com/gin-gonic/gin"
)

// generateCodesRequest keeps the public field names; "amount" is the
// number of codes to mint
type generateCodesRequest struct {
	Amount       int    `json:"amount"`
	CreditType   string `json:"credit_type"`
	CreditValue  int64  `json:"credit_value"`
	VideoMinutes int64  `json:"video_minutes"`
	ArticleCount int64  `json:"article_count"`
	Prefix       string `json:"prefix"`
}

// handleGenerateCodes mints a batch of license codes (admin only)
func (s *Server) handleGenerateCodes(c *gin.Context) {
	var req generateCodesRequest
	if !bindJSON(c, &req) {
		return
	}

	adminID := auth.GetUserID(c)
	result, err := s.ledger.GenerateCodes(c.Request.Context(), ledger.GenerateRequest{
		Count:        req.Amount,
		CreditType:   ledger.CreditType(req.CreditType),
		CreditValue:  req.CreditValue,
		VideoMinutes: req.VideoMinutes,
		ArticleCount: req.ArticleCount,
		Prefix:       req.Prefix,
		CreatedBy:    adminID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	s.logger.Info("Admin generated license codes", "admin_id", adminID, "count", result.Created)

	c.JSON(http.StatusOK, gin.H{
		"message":   fmt.Sprintf("Generated %d codes", result.Created),
		"codes":     result.Codes,
		"requested": result.Requested,
		"created":   result.Created,
	})
}

// handleLicenseReport lists codes and their redemption state (admin only)
func (s *Server) handleLicenseReport(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 0)

	result, err := s.ledger.LicenseReport(c.Request.Context(), c.Query("search"), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
