package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateStruct runs struct tags and folds the first failure into a
// ValidationError with a readable message.
func validateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return validationError("invalid request: %v", err)
	}

	fe := fieldErrs[0]
	field := toSnake(fe.Field())
	switch fe.Tag() {
	case "min", "max":
		if fe.Field() == "Count" {
			return validationError("amount must be between 1 and 100")
		}
		return validationError("%s must be %s %s", field, boundWord(fe.Tag()), fe.Param())
	case "required":
		return validationError("%s is required", field)
	case "oneof":
		return validationError("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "alphanum":
		return validationError("%s must contain only letters and digits", field)
	default:
		return validationError("%s is invalid", field)
	}
}

func boundWord(tag string) string {
	if tag == "min" {
		return "at least"
	}
	return "at most"
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// requireID rejects ids that are not UUIDs before they reach storage
func requireID(name, id string) error {
	if strings.TrimSpace(id) == "" {
		return validationError("%s is required", name)
	}
	if _, err := uuid.Parse(id); err != nil {
		return validationError("%s must be a valid id", name)
	}
	return nil
}

// clampPage normalizes 1-based page/limit values
func clampPage(page, limit, defaultLimit, maxLimit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

func paginate(total, page, limit int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Total: total, Page: page, Limit: limit, Pages: pages}
}

func describeAmount(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
