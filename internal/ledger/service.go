package ledger

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"credit-ledger/internal/events"
	"credit-ledger/internal/license"
	"credit-ledger/internal/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultTransactionLimit = 20
	defaultReportLimit      = 50
	maxPageLimit            = 100
	maxSearchLength         = 100

	// Rounds of regeneration when freshly minted codes collide with stored ones
	maxGenerateRounds = 5
)

// MaxVideoMinutes caps one metering request
const MaxVideoMinutes = math.MaxInt32

// Service is the credit ledger. It is stateless across calls; all shared
// state lives in the Store and every mutation runs inside one Store.WithTx.
type Service struct {
	store  Store
	cache  BalanceCache
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithBalanceCache enables read-through caching of GetBalance
func WithBalanceCache(cache BalanceCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithEventBus publishes balance changes after commit
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a ledger service over the given store
func NewService(store Store, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger.With().Str("component", "CreditLedger").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetBalance returns the user's balances, all zero when no row exists yet
func (s *Service) GetBalance(ctx context.Context, userID string) (credits *Credits, err error) {
	started := time.Now()
	defer func() { s.observe("get_balance", started, err) }()

	if err = requireID("user_id", userID); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if cached, ok := s.cache.GetBalance(ctx, userID); ok {
			return cached, nil
		}
	}

	credits, err = s.store.GetCredits(ctx, userID)
	if err != nil {
		return nil, err
	}
	if credits == nil {
		credits = &Credits{UserID: userID}
	}

	if s.cache != nil {
		s.cache.SetBalance(ctx, credits)
	}
	return credits, nil
}

// RedeemCode atomically marks a code redeemed and credits the user
func (s *Service) RedeemCode(ctx context.Context, userID, rawCode string) (result *RedeemResult, err error) {
	started := time.Now()
	defer func() { s.observe("redeem", started, err) }()

	if err = requireID("user_id", userID); err != nil {
		return nil, err
	}

	code := license.NormalizeCode(rawCode)
	if code == "" || !license.ValidCodeFormat(code) {
		return nil, ErrInvalidCode
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		lc, err := tx.LockCode(ctx, code)
		if err != nil {
			return err
		}
		if lc == nil {
			return ErrInvalidCode
		}
		if lc.Redeemed {
			return ErrAlreadyRedeemed
		}

		credits, err := tx.LockCredits(ctx, userID)
		if err != nil {
			return err
		}

		now := s.now()
		added, entries := s.applyRedemption(credits, lc, now)
		if len(entries) == 0 {
			return ErrInvalidCode
		}
		touch(credits, now)

		if err := tx.SaveCredits(ctx, credits); err != nil {
			return err
		}
		if err := tx.MarkCodeRedeemed(ctx, lc.ID, userID, now); err != nil {
			return err
		}
		for i := range entries {
			if err := tx.InsertTransaction(ctx, &entries[i]); err != nil {
				return err
			}
		}

		result = &RedeemResult{
			Credits:    *credits,
			CreditType: lc.CreditType,
			Added:      added,
			Code:       lc.Code,
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Str("code", code).Msg("Redemption failed")
		return nil, err
	}

	s.afterCommit(ctx, &result.Credits)
	if s.bus != nil {
		c := result.Credits
		s.bus.PublishCreditsRedeemed(userID, string(result.CreditType), c.Balance, c.VideoWatchMinutes, c.ArticleCredits)
	}
	s.logger.Info().
		Str("user_id", userID).
		Str("code", result.Code).
		Str("credit_type", string(result.CreditType)).
		Int64("balance", result.Added.Balance).
		Int64("video_minutes", result.Added.VideoMinutes).
		Int64("article_credits", result.Added.ArticleCredits).
		Msg("Code redeemed")

	return result, nil
}

// applyRedemption credits the fields selected by the code's type and returns
// one redeem entry per field that changed.
func (s *Service) applyRedemption(c *Credits, lc *LicenseCode, at time.Time) (Added, []Transaction) {
	var added Added
	var entries []Transaction
	desc := "Redeemed code " + lc.Code

	credit := func(bt BalanceType, amount int64) {
		if amount <= 0 {
			return
		}
		entries = append(entries, newEntry(c, TransactionRedeem, bt, amount, desc, "license_code", lc.ID, at))
	}

	switch lc.CreditType {
	case CreditTypeUniversal:
		credit(BalanceUniversal, lc.CreditValue)
		if lc.CreditValue > 0 {
			c.TotalEarned += lc.CreditValue
			added.Balance = lc.CreditValue
		}
	case CreditTypeVideo:
		credit(BalanceVideoMinutes, lc.VideoMinutes)
		added.VideoMinutes = max64(lc.VideoMinutes, 0)
	case CreditTypeArticle:
		credit(BalanceArticleCredits, lc.ArticleCount)
		added.ArticleCredits = max64(lc.ArticleCount, 0)
	case CreditTypeBoth:
		credit(BalanceVideoMinutes, lc.VideoMinutes)
		credit(BalanceArticleCredits, lc.ArticleCount)
		added.VideoMinutes = max64(lc.VideoMinutes, 0)
		added.ArticleCredits = max64(lc.ArticleCount, 0)
	}

	return added, entries
}

// ConsumeUniversal spends universal balance on a permanent grant. A user who
// already holds the grant is not charged again.
func (s *Service) ConsumeUniversal(ctx context.Context, userID string, amount int64, rt ResourceType, resourceID string) (result *ConsumeResult, err error) {
	started := time.Now()
	defer func() { s.observe("consume_universal", started, err) }()

	if err = requireID("user_id", userID); err != nil {
		return nil, err
	}
	if err = requireID("resource_id", resourceID); err != nil {
		return nil, err
	}
	if !rt.Valid() {
		return nil, validationError("unknown resource type %q", rt)
	}
	if amount <= 0 {
		return nil, validationError("amount must be greater than 0")
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		credits, err := tx.LockCredits(ctx, userID)
		if err != nil {
			return err
		}

		existing, err := tx.GetGrant(ctx, rt, userID, resourceID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &ConsumeResult{Credits: *credits, AlreadyOwned: true, Grant: existing}
			return nil
		}

		if credits.Balance < amount {
			return shortfall(KindInsufficientBalance, "Insufficient balance", amount, credits.Balance)
		}

		now := s.now()
		entry := newEntry(credits, TransactionUsage, BalanceUniversal, -amount,
			fmt.Sprintf("Unlocked %s %s", rt, resourceID), string(rt), resourceID, now)
		credits.TotalSpent += amount
		touch(credits, now)

		if err := tx.SaveCredits(ctx, credits); err != nil {
			return err
		}

		grant := &Grant{
			ID:           uuid.NewString(),
			UserID:       userID,
			ResourceType: rt,
			ResourceID:   resourceID,
			CreditsSpent: amount,
			GrantedAt:    now,
		}
		// A failed grant aborts the transaction, which also undoes the debit above
		if err := tx.InsertGrant(ctx, grant); err != nil {
			return fmt.Errorf("failed to grant %s access: %w", rt, err)
		}
		if err := tx.InsertTransaction(ctx, &entry); err != nil {
			return err
		}

		result = &ConsumeResult{Credits: *credits, Charged: amount, Grant: grant}
		return nil
	})
	if err != nil {
		s.logConsumeFailure(err, "universal", userID, resourceID)
		return nil, err
	}

	s.afterConsume(ctx, userID, rt, resourceID, result)
	return result, nil
}

// ConsumeVideoMinutes meters watch time; fractional minutes round up.
// No grant is created.
func (s *Service) ConsumeVideoMinutes(ctx context.Context, userID string, minutes float64, courseID string) (result *ConsumeResult, err error) {
	started := time.Now()
	defer func() { s.observe("consume_video", started, err) }()

	if err = requireID("user_id", userID); err != nil {
		return nil, err
	}
	if err = requireID("course_id", courseID); err != nil {
		return nil, err
	}
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes <= 0 {
		return nil, validationError("minutes must be greater than 0")
	}
	if minutes > MaxVideoMinutes {
		return nil, validationError("minutes must be at most %d", MaxVideoMinutes)
	}
	charge := int64(math.Ceil(minutes))

	err = s.store.WithTx(ctx, func(tx Tx) error {
		credits, err := tx.LockCredits(ctx, userID)
		if err != nil {
			return err
		}
		if credits.VideoWatchMinutes < charge {
			return shortfall(KindInsufficientMinutes, "Insufficient video minutes", charge, credits.VideoWatchMinutes)
		}

		now := s.now()
		entry := newEntry(credits, TransactionUsage, BalanceVideoMinutes, -charge,
			fmt.Sprintf("Watched %s of course %s", describeAmount(charge, "minute"), courseID),
			string(ResourceCourse), courseID, now)
		touch(credits, now)

		if err := tx.SaveCredits(ctx, credits); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &entry); err != nil {
			return err
		}

		result = &ConsumeResult{Credits: *credits, Charged: charge}
		return nil
	})
	if err != nil {
		s.logConsumeFailure(err, "video", userID, courseID)
		return nil, err
	}

	s.afterConsume(ctx, userID, ResourceCourse, courseID, result)
	return result, nil
}

// ConsumeArticleCredit spends one article credit on a permanent article grant
func (s *Service) ConsumeArticleCredit(ctx context.Context, userID, articleID string) (result *ConsumeResult, err error) {
	started := time.Now()
	defer func() { s.observe("consume_article", started, err) }()

	if err = requireID("user_id", userID); err != nil {
		return nil, err
	}
	if err = requireID("article_id", articleID); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		credits, err := tx.LockCredits(ctx, userID)
		if err != nil {
			return err
		}

		existing, err := tx.GetGrant(ctx, ResourceArticle, userID, articleID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = &ConsumeResult{Credits: *credits, AlreadyOwned: true, Grant: existing}
			return nil
		}

		if credits.ArticleCredits < 1 {
			return shortfall(KindInsufficientArticleCredits, "Insufficient article credits", 1, credits.ArticleCredits)
		}

		now := s.now()
		entry := newEntry(credits, TransactionUsage, BalanceArticleCredits, -1,
			"Unlocked article "+articleID, string(ResourceArticle), articleID, now)
		touch(credits, now)

		if err := tx.SaveCredits(ctx, credits); err != nil {
			return err
		}

		grant := &Grant{
			ID:           uuid.NewString(),
			UserID:       userID,
			ResourceType: ResourceArticle,
			ResourceID:   articleID,
			CreditsSpent: 1,
			GrantedAt:    now,
		}
		if err := tx.InsertGrant(ctx, grant); err != nil {
			return fmt.Errorf("failed to grant article access: %w", err)
		}
		if err := tx.InsertTransaction(ctx, &entry); err != nil {
			return err
		}

		result = &ConsumeResult{Credits: *credits, Charged: 1, Grant: grant}
		return nil
	})
	if err != nil {
		s.logConsumeFailure(err, "article", userID, articleID)
		return nil, err
	}

	s.afterConsume(ctx, userID, ResourceArticle, articleID, result)
	return result, nil
}

// CheckAccess is read-only. Free resources short-circuit before any lookup
// and anonymous callers learn nothing about grant state.
func (s *Service) CheckAccess(ctx context.Context, userID string, rt ResourceType, resourceID string, creditsRequired int64) (*AccessResult, error) {
	if creditsRequired <= 0 {
		return &AccessResult{HasAccess: true, Free: true}, nil
	}
	if userID == "" {
		return &AccessResult{RequiresAuth: true, CreditsRequired: creditsRequired}, nil
	}
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	if err := requireID("resource_id", resourceID); err != nil {
		return nil, err
	}

	grant, err := s.store.GetGrant(ctx, rt, userID, resourceID)
	if err != nil {
		return nil, err
	}
	return &AccessResult{HasAccess: grant != nil, CreditsRequired: creditsRequired}, nil
}

// ListTransactions returns a page of the user's history, newest first
func (s *Service) ListTransactions(ctx context.Context, userID string, page, limit int, typeFilter string) (*TransactionPage, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}

	tt := TransactionType(strings.ToLower(strings.TrimSpace(typeFilter)))
	if tt != "" && !tt.Valid() {
		return nil, validationError("type must be one of: redeem, usage, bonus")
	}

	page, limit = clampPage(page, limit, defaultTransactionLimit, maxPageLimit)
	txns, total, err := s.store.ListTransactions(ctx, TransactionFilter{
		UserID: userID,
		Type:   tt,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}
	if txns == nil {
		txns = []Transaction{}
	}

	return &TransactionPage{Data: txns, Pagination: paginate(total, page, limit)}, nil
}

// GenerateCodes mints and persists a batch of unredeemed codes. The batch is
// written in one transaction; a count mismatch is reported, never swallowed.
func (s *Service) GenerateCodes(ctx context.Context, req GenerateRequest) (result *GenerateResult, err error) {
	started := time.Now()
	defer func() { s.observe("generate_codes", started, err) }()

	req.Prefix = strings.ToUpper(strings.TrimSpace(req.Prefix))
	if req.CreditType != "" {
		ct, perr := ParseCreditType(string(req.CreditType))
		if perr != nil {
			return nil, validationError("credit_type must be one of: universal, video, article, both")
		}
		req.CreditType = ct
	}
	if err = validateStruct(req); err != nil {
		return nil, err
	}
	if err = normalizeCodeValues(&req); err != nil {
		return nil, err
	}
	prefix := license.NormalizePrefix(req.Prefix)

	err = s.store.WithTx(ctx, func(tx Tx) error {
		seen := make(map[string]struct{}, req.Count)
		created := make([]LicenseCode, 0, req.Count)
		now := s.now()

		for round := 0; len(created) < req.Count && round < maxGenerateRounds; round++ {
			batch, err := license.GenerateBatch(prefix, req.Count-len(created), seen)
			if err != nil {
				return err
			}

			rows := make([]LicenseCode, 0, len(batch))
			for _, code := range batch {
				rows = append(rows, LicenseCode{
					ID:           uuid.NewString(),
					Code:         code,
					CreditType:   req.CreditType,
					CreditValue:  req.CreditValue,
					VideoMinutes: req.VideoMinutes,
					ArticleCount: req.ArticleCount,
					CreatedBy:    req.CreatedBy,
					CreatedAt:    now,
				})
			}

			inserted, err := tx.InsertCodes(ctx, rows)
			if err != nil {
				return err
			}
			ok := make(map[string]bool, len(inserted))
			for _, code := range inserted {
				ok[code] = true
			}
			for _, row := range rows {
				if ok[row.Code] {
					created = append(created, row)
				}
			}
		}

		if len(created) != req.Count {
			return &LedgerError{
				Kind:    KindIncompleteBatch,
				Message: fmt.Sprintf("Only %d of %d codes could be generated", len(created), req.Count),
				Details: map[string]interface{}{"requested": req.Count, "created": len(created)},
			}
		}

		result = &GenerateResult{Codes: created, Requested: req.Count, Created: len(created)}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Int("count", req.Count).Str("prefix", prefix).Msg("Code generation failed")
		return nil, err
	}

	metrics.CodesGenerated.WithLabelValues(string(req.CreditType)).Add(float64(result.Created))
	if s.bus != nil {
		s.bus.PublishCodesGenerated(req.CreatedBy, result.Created, string(req.CreditType))
	}
	s.logger.Info().
		Int("count", result.Created).
		Str("prefix", prefix).
		Str("credit_type", string(req.CreditType)).
		Str("created_by", req.CreatedBy).
		Msg("License codes generated")

	return result, nil
}

// normalizeCodeValues checks that the value matching the credit type is set
// and zeroes the ones that do not apply.
func normalizeCodeValues(req *GenerateRequest) error {
	switch req.CreditType {
	case CreditTypeUniversal:
		if req.CreditValue <= 0 {
			return validationError("credit_value must be greater than 0 for universal codes")
		}
		req.VideoMinutes, req.ArticleCount = 0, 0
	case CreditTypeVideo:
		if req.VideoMinutes <= 0 {
			return validationError("video_minutes must be greater than 0 for video codes")
		}
		req.CreditValue, req.ArticleCount = 0, 0
	case CreditTypeArticle:
		if req.ArticleCount <= 0 {
			return validationError("article_count must be greater than 0 for article codes")
		}
		req.CreditValue, req.VideoMinutes = 0, 0
	case CreditTypeBoth:
		if req.VideoMinutes <= 0 || req.ArticleCount <= 0 {
			return validationError("video_minutes and article_count must both be greater than 0")
		}
		req.CreditValue = 0
	}
	return nil
}

// LicenseReport lists codes for the admin report, optionally filtered by a
// search term matched against the code and the redeemer id.
func (s *Service) LicenseReport(ctx context.Context, search string, page, limit int) (*CodePage, error) {
	search = strings.TrimSpace(search)
	if len(search) > maxSearchLength {
		search = search[:maxSearchLength]
	}

	page, limit = clampPage(page, limit, defaultReportLimit, maxPageLimit)
	codes, total, err := s.store.ListCodes(ctx, CodeFilter{
		Search: search,
		Limit:  limit,
		Offset: (page - 1) * limit,
	})
	if err != nil {
		return nil, err
	}
	if codes == nil {
		codes = []LicenseCode{}
	}

	return &CodePage{Data: codes, Pagination: paginate(total, page, limit)}, nil
}

// GetResource looks up a priced resource; malformed ids are reported as missing
func (s *Service) GetResource(ctx context.Context, rt ResourceType, id string) (*Resource, error) {
	if !rt.Valid() {
		return nil, validationError("unknown resource type %q", rt)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(rt)
	}

	res, err := s.store.GetResource(ctx, rt, id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, notFound(rt)
	}
	return res, nil
}

// afterCommit writes the committed balances through to the cache
func (s *Service) afterCommit(ctx context.Context, committed *Credits) {
	if s.cache != nil {
		c := *committed
		s.cache.SetBalance(ctx, &c)
	}
}

// touch advances UpdatedAt strictly past its previous value at microsecond
// precision, which is what orders cached balances.
func touch(c *Credits, now time.Time) {
	next := now.Truncate(time.Microsecond)
	if !next.After(c.UpdatedAt) {
		next = c.UpdatedAt.Truncate(time.Microsecond).Add(time.Microsecond)
	}
	c.UpdatedAt = next
}

func (s *Service) afterConsume(ctx context.Context, userID string, rt ResourceType, resourceID string, result *ConsumeResult) {
	if result.AlreadyOwned {
		return
	}
	s.afterCommit(ctx, &result.Credits)

	if s.bus != nil {
		c := result.Credits
		s.bus.PublishCreditsConsumed(userID, string(rt), resourceID, result.Charged, c.Balance, c.VideoWatchMinutes, c.ArticleCredits)
		if result.Grant != nil {
			s.bus.PublishAccessGranted(userID, string(rt), resourceID)
		}
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("resource_type", string(rt)).
		Str("resource_id", resourceID).
		Int64("charged", result.Charged).
		Msg("Credits consumed")
}

func (s *Service) logConsumeFailure(err error, kind, userID, resourceID string) {
	event := s.logger.Warn()
	if !IsDomainError(err) {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("kind", kind).
		Str("user_id", userID).
		Str("resource_id", resourceID).
		Msg("Consumption failed")
}

func (s *Service) observe(operation string, started time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		if le, ok := AsLedgerError(err); ok {
			outcome = strings.ToLower(string(le.Kind))
		}
	}
	metrics.ObserveLedgerOperation(operation, outcome, started)
}

// newEntry moves one balance field on c and returns the matching ledger row
func newEntry(c *Credits, tt TransactionType, bt BalanceType, amount int64, desc, relType, relID string, at time.Time) Transaction {
	before, after := c.add(bt, amount)
	return Transaction{
		ID:                uuid.NewString(),
		UserID:            c.UserID,
		Type:              tt,
		BalanceType:       bt,
		Amount:            amount,
		Description:       desc,
		BalanceBefore:     before,
		BalanceAfter:      after,
		RelatedEntityType: relType,
		RelatedEntityID:   relID,
		TransactionDate:   at,
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
