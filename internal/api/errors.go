package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"credit-ledger/internal/ledger"
	"credit-ledger/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const internalErrorMessage = "Internal server error"

// statusForKind maps the ledger error taxonomy onto HTTP statuses
func statusForKind(kind ledger.ErrorKind) int {
	switch kind {
	case ledger.KindInvalidCode,
		ledger.KindAlreadyRedeemed,
		ledger.KindInsufficientBalance,
		ledger.KindInsufficientMinutes,
		ledger.KindInsufficientArticleCredits,
		ledger.KindValidation:
		return http.StatusBadRequest
	case ledger.KindUnauthenticated:
		return http.StatusUnauthorized
	case ledger.KindForbidden:
		return http.StatusForbidden
	case ledger.KindResourceNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {error, code[, details]}. Storage failures and
// anything unrecognised get a generic body; the cause is only logged.
func respondError(c *gin.Context, err error) {
	log := logging.FromContext(c.Request.Context())

	le, ok := ledger.AsLedgerError(err)
	if !ok {
		log.WithError(err).Error("Unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": internalErrorMessage,
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	status := statusForKind(le.Kind)
	body := gin.H{"error": le.Message, "code": string(le.Kind)}

	switch {
	case le.Kind == ledger.KindStorageUnavailable:
		log.WithError(err).Error("Storage unavailable")
		body["error"] = internalErrorMessage
	case status >= http.StatusInternalServerError:
		log.WithError(err).Error("Ledger operation failed")
		if len(le.Details) > 0 {
			body["details"] = le.Details
		}
	default:
		if len(le.Details) > 0 {
			body["details"] = le.Details
		}
	}

	c.JSON(status, body)
}

// bindJSON decodes the body into req and answers 400 on failure
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": bindingMessage(err),
			"code":  string(ledger.KindValidation),
		})
		return false
	}
	return true
}

func bindingMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := jsonFieldName(fe)
		switch fe.Tag() {
		case "required":
			return fmt.Sprintf("%s is required", field)
		case "gt":
			return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
		case "lte":
			return fmt.Sprintf("%s must be at most %s", field, fe.Param())
		case "uuid", "uuid4":
			return fmt.Sprintf("%s must be a valid id", field)
		}
		return fmt.Sprintf("%s is invalid", field)
	}
	return "Invalid request body"
}

// jsonFieldName turns "CourseID" style struct field names into the body key
func jsonFieldName(fe validator.FieldError) string {
	name := fe.Field()
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := rune(name[i-1])
			if prev < 'A' || prev > 'Z' {
				b.WriteByte('_')
			}
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}
