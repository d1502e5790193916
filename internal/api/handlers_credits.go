package api

import (
	"net/http"
	"strconv"

	"credit-ledger/internal/auth"
	"credit-ledger/internal/ledger"

	"github.com/gin-gonic/gin"
)

type redeemRequest struct {
	Code string `json:"code" binding:"required"`
}

type consumeVideoRequest struct {
	Minutes  float64 `json:"minutes" binding:"required,gt=0,lte=2147483647"`
	CourseID string  `json:"course_id" binding:"required"`
}

type consumeArticleRequest struct {
	ArticleID string `json:"article_id" binding:"required"`
}

type purchaseCourseRequest struct {
	CourseID string `json:"course_id" binding:"required"`
}

// handleGetBalance returns the caller's balances
func (s *Server) handleGetBalance(c *gin.Context) {
	credits, err := s.ledger.GetBalance(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":             credits.Balance,
		"video_watch_minutes": credits.VideoWatchMinutes,
		"article_credits":     credits.ArticleCredits,
		"total_earned":        credits.TotalEarned,
		"total_spent":         credits.TotalSpent,
	})
}

// handleRedeem redeems a license code for the caller
func (s *Server) handleRedeem(c *gin.Context) {
	var req redeemRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := s.ledger.RedeemCode(c.Request.Context(), auth.GetUserID(c), req.Code)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Code redeemed successfully",
		"credits": gin.H{
			"balance":         result.Credits.Balance,
			"video_minutes":   result.Credits.VideoWatchMinutes,
			"article_credits": result.Credits.ArticleCredits,
		},
		"credit_type": result.CreditType,
		"added":       result.Added,
	})
}

// handleConsumeVideo meters watched minutes against a course
func (s *Server) handleConsumeVideo(c *gin.Context) {
	var req consumeVideoRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.ledger.GetResource(ctx, ledger.ResourceCourse, req.CourseID); err != nil {
		respondError(c, err)
		return
	}

	result, err := s.ledger.ConsumeVideoMinutes(ctx, auth.GetUserID(c), req.Minutes, req.CourseID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"charged":           result.Charged,
		"remaining_minutes": result.Credits.VideoWatchMinutes,
		"remaining_balance": result.Credits.Balance,
	})
}

// handleConsumeArticle unlocks an article with one article credit
func (s *Server) handleConsumeArticle(c *gin.Context) {
	var req consumeArticleRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	userID := auth.GetUserID(c)

	article, err := s.ledger.GetResource(ctx, ledger.ResourceArticle, req.ArticleID)
	if err != nil {
		respondError(c, err)
		return
	}

	if article.Free() {
		credits, err := s.ledger.GetBalance(ctx, userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":           true,
			"message":           "This article is free",
			"remaining_credits": credits.ArticleCredits,
			"remaining_balance": credits.Balance,
		})
		return
	}

	result, err := s.ledger.ConsumeArticleCredit(ctx, userID, req.ArticleID)
	if err != nil {
		respondError(c, err)
		return
	}

	message := "Article unlocked"
	if result.AlreadyOwned {
		message = "Article already unlocked"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"message":           message,
		"already_owned":     result.AlreadyOwned,
		"remaining_credits": result.Credits.ArticleCredits,
		"remaining_balance": result.Credits.Balance,
	})
}

// handlePurchaseCourse unlocks a course with universal balance
func (s *Server) handlePurchaseCourse(c *gin.Context) {
	var req purchaseCourseRequest
	if !bindJSON(c, &req) {
		return
	}
	s.purchase(c, ledger.ResourceCourse, req.CourseID)
}

// handlePurchaseArticle unlocks an article with universal balance
func (s *Server) handlePurchaseArticle(c *gin.Context) {
	var req consumeArticleRequest
	if !bindJSON(c, &req) {
		return
	}
	s.purchase(c, ledger.ResourceArticle, req.ArticleID)
}

func (s *Server) purchase(c *gin.Context, rt ledger.ResourceType, resourceID string) {
	ctx := c.Request.Context()
	userID := auth.GetUserID(c)

	res, err := s.ledger.GetResource(ctx, rt, resourceID)
	if err != nil {
		respondError(c, err)
		return
	}

	if res.Free() {
		credits, err := s.ledger.GetBalance(ctx, userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":           true,
			"message":           "This " + string(rt) + " is free",
			"charged":           0,
			"remaining_balance": credits.Balance,
		})
		return
	}

	result, err := s.ledger.ConsumeUniversal(ctx, userID, res.CreditsRequired, rt, resourceID)
	if err != nil {
		respondError(c, err)
		return
	}

	message := "Purchase complete"
	if result.AlreadyOwned {
		message = "Already purchased"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"message":           message,
		"charged":           result.Charged,
		"already_owned":     result.AlreadyOwned,
		"remaining_balance": result.Credits.Balance,
	})
}

func (s *Server) handleCheckArticleAccess(c *gin.Context) {
	s.checkAccess(c, ledger.ResourceArticle, c.Param("articleId"))
}

func (s *Server) handleCheckCourseAccess(c *gin.Context) {
	s.checkAccess(c, ledger.ResourceCourse, c.Param("courseId"))
}

// checkAccess answers for anonymous and authenticated callers alike
func (s *Server) checkAccess(c *gin.Context, rt ledger.ResourceType, resourceID string) {
	ctx := c.Request.Context()

	res, err := s.ledger.GetResource(ctx, rt, resourceID)
	if err != nil {
		respondError(c, err)
		return
	}

	access, err := s.ledger.CheckAccess(ctx, auth.GetUserID(c), rt, resourceID, res.CreditsRequired)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, access)
}

// handleListTransactions pages through the caller's history
func (s *Server) handleListTransactions(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 0)

	result, err := s.ledger.ListTransactions(c.Request.Context(), auth.GetUserID(c), page, limit, c.Query("type"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// queryInt reads an integer query parameter; unparsable values fall back
// to def and the service clamps ranges
func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}
