// Package ledger owns user credit balances, one-time license code redemption,
// metered consumption and the append-only transaction trail.
package ledger

import (
	"fmt"
	"strings"
	"time"
)

// CreditType defines what a license code credits when redeemed
type CreditType string

const (
	CreditTypeUniversal CreditType = "universal"
	CreditTypeVideo     CreditType = "video"
	CreditTypeArticle   CreditType = "article"
	CreditTypeBoth      CreditType = "both" // video minutes and article credits together
)

// ParseCreditType parses a credit type, case-insensitive
func ParseCreditType(s string) (CreditType, error) {
	switch CreditType(strings.ToLower(strings.TrimSpace(s))) {
	case CreditTypeUniversal:
		return CreditTypeUniversal, nil
	case CreditTypeVideo:
		return CreditTypeVideo, nil
	case CreditTypeArticle:
		return CreditTypeArticle, nil
	case CreditTypeBoth:
		return CreditTypeBoth, nil
	}
	return "", fmt.Errorf("unknown credit type %q", s)
}

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TransactionRedeem TransactionType = "redeem"
	TransactionUsage  TransactionType = "usage"
	TransactionBonus  TransactionType = "bonus"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionRedeem, TransactionUsage, TransactionBonus:
		return true
	}
	return false
}

// BalanceType names the balance field a transaction moved
type BalanceType string

const (
	BalanceUniversal      BalanceType = "universal"
	BalanceVideoMinutes   BalanceType = "video_minutes"
	BalanceArticleCredits BalanceType = "article_credits"
)

// ResourceType is the kind of priced resource a grant unlocks
type ResourceType string

const (
	ResourceArticle ResourceType = "article"
	ResourceCourse  ResourceType = "course"
)

// Valid reports whether r is a known resource type
func (r ResourceType) Valid() bool {
	return r == ResourceArticle || r == ResourceCourse
}

// Credits is a user's current balances
type Credits struct {
	UserID            string    `json:"user_id"`
	Balance           int64     `json:"balance"`
	VideoWatchMinutes int64     `json:"video_watch_minutes"`
	ArticleCredits    int64     `json:"article_credits"`
	TotalEarned       int64     `json:"total_earned"` // universal credits ever added
	TotalSpent        int64     `json:"total_spent"`  // universal credits ever spent
	UpdatedAt         time.Time `json:"updated_at"`
}

// field returns the current value of one balance field
func (c *Credits) field(bt BalanceType) int64 {
	switch bt {
	case BalanceVideoMinutes:
		return c.VideoWatchMinutes
	case BalanceArticleCredits:
		return c.ArticleCredits
	default:
		return c.Balance
	}
}

// add moves one balance field by delta and returns before/after
func (c *Credits) add(bt BalanceType, delta int64) (before, after int64) {
	before = c.field(bt)
	after = before + delta
	switch bt {
	case BalanceVideoMinutes:
		c.VideoWatchMinutes = after
	case BalanceArticleCredits:
		c.ArticleCredits = after
	default:
		c.Balance = after
	}
	return before, after
}

// LicenseCode is a redeemable one-time code
type LicenseCode struct {
	ID           string     `json:"id"`
	Code         string     `json:"code"`
	CreditType   CreditType `json:"credit_type"`
	CreditValue  int64      `json:"credit_value"`
	VideoMinutes int64      `json:"video_minutes"`
	ArticleCount int64      `json:"article_count"`
	Redeemed     bool       `json:"redeemed"`
	RedeemedBy   string     `json:"redeemed_by,omitempty"`
	RedeemedAt   *time.Time `json:"redeemed_at,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Transaction is an append-only ledger entry
type Transaction struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Type              TransactionType `json:"transaction_type"`
	BalanceType       BalanceType     `json:"balance_type"`
	Amount            int64           `json:"amount"`
	Description       string          `json:"description"`
	BalanceBefore     int64           `json:"balance_before"`
	BalanceAfter      int64           `json:"balance_after"`
	RelatedEntityType string          `json:"related_entity_type,omitempty"`
	RelatedEntityID   string          `json:"related_entity_id,omitempty"`
	TransactionDate   time.Time       `json:"transaction_date"`
}

// Grant proves a user unlocked a priced resource
type Grant struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id"`
	CreditsSpent int64        `json:"credits_spent"`
	GrantedAt    time.Time    `json:"granted_at"`
}

// Resource is a priced catalog entry (article or course)
type Resource struct {
	ID              string       `json:"id"`
	Type            ResourceType `json:"type"`
	Title           string       `json:"title"`
	CreditsRequired int64        `json:"credits_required"`
}

// Free reports whether the resource can be accessed without credits
func (r *Resource) Free() bool {
	return r.CreditsRequired <= 0
}

// Added reports what a redemption credited
type Added struct {
	Balance        int64 `json:"balance"`
	VideoMinutes   int64 `json:"video_minutes"`
	ArticleCredits int64 `json:"article_credits"`
}

// RedeemResult is returned by a successful redemption
type RedeemResult struct {
	Credits    Credits    `json:"credits"`
	CreditType CreditType `json:"credit_type"`
	Added      Added      `json:"added"`
	Code       string     `json:"code"`
}

// ConsumeResult is returned by a successful consumption
type ConsumeResult struct {
	Credits      Credits `json:"credits"`
	Charged      int64   `json:"charged"`
	AlreadyOwned bool    `json:"already_owned"`
	Grant        *Grant  `json:"grant,omitempty"`
}

// AccessResult answers whether a caller may open a priced resource
type AccessResult struct {
	HasAccess       bool  `json:"has_access"`
	RequiresAuth    bool  `json:"requires_auth,omitempty"`
	Free            bool  `json:"free,omitempty"`
	CreditsRequired int64 `json:"credits_required"`
}

// TransactionFilter selects a page of a user's transactions
type TransactionFilter struct {
	UserID string
	Type   TransactionType // empty = all
	Limit  int
	Offset int
}

// CodeFilter selects a page of license codes for the admin report
type CodeFilter struct {
	Search string
	Limit  int
	Offset int
}

// Pagination describes a page of results
type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Pages int `json:"pages"`
}

// TransactionPage is a page of transactions
type TransactionPage struct {
	Data       []Transaction `json:"data"`
	Pagination Pagination    `json:"pagination"`
}

// CodePage is a page of license codes
type CodePage struct {
	Data       []LicenseCode `json:"data"`
	Pagination Pagination    `json:"pagination"`
}

// GenerateRequest describes a batch of codes to mint
type GenerateRequest struct {
	Count        int        `validate:"min=1,max=100"`
	CreditType   CreditType `validate:"required,oneof=universal video article both"`
	CreditValue  int64      `validate:"min=0,max=1000000"`
	VideoMinutes int64      `validate:"min=0,max=1000000"`
	ArticleCount int64      `validate:"min=0,max=10000"`
	Prefix       string     `validate:"omitempty,alphanum,max=12"`
	CreatedBy    string
}

// GenerateResult reports what a batch generation persisted
type GenerateResult struct {
	Codes     []LicenseCode `json:"codes"`
	Requested int           `json:"requested"`
	Created   int           `json:"created"`
}
