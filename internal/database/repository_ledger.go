package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"credit-ledger/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// LedgerStore is the PostgreSQL implementation of ledger.Store
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a ledger store over the pool
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// querier is satisfied by both the pool and an open transaction
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const creditsColumns = `user_id, balance, video_watch_minutes, article_credits, total_earned, total_spent, updated_at`

const codeColumns = `id, code, credit_type, credit_value, video_minutes, article_count, is_redeemed,
	COALESCE(redeemed_by::text, ''), redeemed_at, COALESCE(created_by::text, ''), created_at`

const transactionColumns = `id, user_id, transaction_type, balance_type, amount, description,
	balance_before, balance_after, COALESCE(related_entity_type, ''), COALESCE(related_entity_id, ''), transaction_date`

// WithTx runs fn in one database transaction. The deferred rollback is a
// no-op after commit and also covers a panic inside fn.
func (s *LedgerStore) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		// A server error on COMMIT means it rolled back; anything else leaves
		// the outcome unknown
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &CommitError{Err: err}
	}
	return nil
}

// CommitError reports a COMMIT whose outcome is unknown: the server may
// have applied the transaction. It is never retried.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return "commit outcome unknown: " + e.Err.Error()
}

func (e *CommitError) Unwrap() error { return e.Err }

// GetCredits retrieves a user's balances
func (s *LedgerStore) GetCredits(ctx context.Context, userID string) (*ledger.Credits, error) {
	query := `SELECT ` + creditsColumns + ` FROM user_credits WHERE user_id = $1`
	c, err := scanCredits(s.db.Pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credits: %w", err)
	}
	return c, nil
}

// GetGrant retrieves a grant outside of any transaction
func (s *LedgerStore) GetGrant(ctx context.Context, rt ledger.ResourceType, userID, resourceID string) (*ledger.Grant, error) {
	return getGrant(ctx, s.db.Pool, rt, userID, resourceID)
}

// ListTransactions returns a page of transactions, newest first
func (s *LedgerStore) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	where := "user_id = $1"
	args := []interface{}{filter.UserID}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where += fmt.Sprintf(" AND transaction_type = $%d", len(args))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM credit_transactions WHERE ` + where
	if err := s.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT %s FROM credit_transactions
		WHERE %s
		ORDER BY transaction_date DESC, seq DESC
		LIMIT $%d OFFSET $%d`, transactionColumns, where, len(args)-1, len(args))

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var txType, balanceType string
		if err := rows.Scan(
			&t.ID,
			&t.UserID,
			&txType,
			&balanceType,
			&t.Amount,
			&t.Description,
			&t.BalanceBefore,
			&t.BalanceAfter,
			&t.RelatedEntityType,
			&t.RelatedEntityID,
			&t.TransactionDate,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Type = ledger.TransactionType(txType)
		t.BalanceType = ledger.BalanceType(balanceType)
		txns = append(txns, t)
	}

	return txns, total, rows.Err()
}

// ListCodes returns a page of license codes for the admin report
func (s *LedgerStore) ListCodes(ctx context.Context, filter ledger.CodeFilter) ([]ledger.LicenseCode, int, error) {
	where := "TRUE"
	var args []interface{}
	if filter.Search != "" {
		args = append(args, likePattern(filter.Search))
		where = `(code ILIKE $1 ESCAPE '\' OR COALESCE(redeemed_by::text, '') ILIKE $1 ESCAPE '\')`
	}

	var total int
	if err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM license_codes WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count license codes: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT %s FROM license_codes
		WHERE %s
		ORDER BY created_at DESC, code
		LIMIT $%d OFFSET $%d`, codeColumns, where, len(args)-1, len(args))

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list license codes: %w", err)
	}
	defer rows.Close()

	var codes []ledger.LicenseCode
	for rows.Next() {
		lc, err := scanCode(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan license code: %w", err)
		}
		codes = append(codes, *lc)
	}

	return codes, total, rows.Err()
}

// GetResource retrieves a priced article or course
func (s *LedgerStore) GetResource(ctx context.Context, rt ledger.ResourceType, id string) (*ledger.Resource, error) {
	table, err := resourceTable(rt)
	if err != nil {
		return nil, err
	}

	res := ledger.Resource{Type: rt}
	query := fmt.Sprintf(`SELECT id, title, credits_required FROM %s WHERE id = $1`, table)
	err = s.db.Pool.QueryRow(ctx, query, id).Scan(&res.ID, &res.Title, &res.CreditsRequired)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", rt, err)
	}
	return &res, nil
}

// UpsertResource creates or reprices a catalog entry
func (s *LedgerStore) UpsertResource(ctx context.Context, res ledger.Resource) error {
	table, err := resourceTable(res.Type)
	if err != nil {
		return err
	}
	if res.CreditsRequired < 0 {
		return fmt.Errorf("credits_required must not be negative")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, title, credits_required)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, credits_required = EXCLUDED.credits_required`, table)
	if _, err := s.db.Pool.Exec(ctx, query, res.ID, res.Title, res.CreditsRequired); err != nil {
		return fmt.Errorf("failed to upsert %s: %w", res.Type, err)
	}
	return nil
}

// pgTx implements ledger.Tx over one pgx transaction
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockCredits(ctx context.Context, userID string) (*ledger.Credits, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO user_credits (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, fmt.Errorf("failed to create credits row: %w", err)
	}

	query := `SELECT ` + creditsColumns + ` FROM user_credits WHERE user_id = $1 FOR UPDATE`
	c, err := scanCredits(t.tx.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock credits: %w", err)
	}
	return c, nil
}

func (t *pgTx) SaveCredits(ctx context.Context, c *ledger.Credits) error {
	query := `
		UPDATE user_credits
		SET balance = $2, video_watch_minutes = $3, article_credits = $4,
		    total_earned = $5, total_spent = $6, updated_at = $7
		WHERE user_id = $1`

	tag, err := t.tx.Exec(ctx, query,
		c.UserID,
		c.Balance,
		c.VideoWatchMinutes,
		c.ArticleCredits,
		c.TotalEarned,
		c.TotalSpent,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credits: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to save credits: no row for user %s", c.UserID)
	}
	return nil
}

func (t *pgTx) LockCode(ctx context.Context, code string) (*ledger.LicenseCode, error) {
	query := `SELECT ` + codeColumns + ` FROM license_codes WHERE code = $1 FOR UPDATE`
	lc, err := scanCode(t.tx.QueryRow(ctx, query, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock license code: %w", err)
	}
	return lc, nil
}

func (t *pgTx) MarkCodeRedeemed(ctx context.Context, codeID, userID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE license_codes
		SET is_redeemed = TRUE, redeemed_by = $2, redeemed_at = $3
		WHERE id = $1 AND is_redeemed = FALSE`, codeID, userID, at)
	if err != nil {
		return fmt.Errorf("failed to mark code redeemed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ledger.ErrAlreadyRedeemed
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	query := `
		INSERT INTO credit_transactions (
			id, user_id, transaction_type, balance_type, amount, description,
			balance_before, balance_after, related_entity_type, related_entity_id, transaction_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)`

	_, err := t.tx.Exec(ctx, query,
		txn.ID,
		txn.UserID,
		string(txn.Type),
		string(txn.BalanceType),
		txn.Amount,
		txn.Description,
		txn.BalanceBefore,
		txn.BalanceAfter,
		txn.RelatedEntityType,
		txn.RelatedEntityID,
		txn.TransactionDate,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) GetGrant(ctx context.Context, rt ledger.ResourceType, userID, resourceID string) (*ledger.Grant, error) {
	return getGrant(ctx, t.tx, rt, userID, resourceID)
}

func (t *pgTx) InsertGrant(ctx context.Context, g *ledger.Grant) error {
	table, err := grantTable(g.ResourceType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, %s, credits_spent, granted_at)
		VALUES ($1, $2, $3, $4, $5)`, table, grantColumn(g.ResourceType))
	if _, err := t.tx.Exec(ctx, query, g.ID, g.UserID, g.ResourceID, g.CreditsSpent, g.GrantedAt); err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

func (t *pgTx) InsertCodes(ctx context.Context, codes []ledger.LicenseCode) ([]string, error) {
	if len(codes) == 0 {
		return []string{}, nil
	}

	batch := &pgx.Batch{}
	for _, lc := range codes {
		batch.Queue(`
			INSERT INTO license_codes (id, code, credit_type, credit_value, video_minutes, article_count, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::uuid, $8)
			ON CONFLICT (code) DO NOTHING
			RETURNING code`,
			lc.ID,
			lc.Code,
			string(lc.CreditType),
			lc.CreditValue,
			lc.VideoMinutes,
			lc.ArticleCount,
			lc.CreatedBy,
			lc.CreatedAt,
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	inserted := make([]string, 0, len(codes))
	for range codes {
		var code string
		err := br.QueryRow().Scan(&code)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert license code: %w", err)
		}
		inserted = append(inserted, code)
	}

	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to insert license codes: %w", err)
	}
	return inserted, nil
}

func getGrant(ctx context.Context, q querier, rt ledger.ResourceType, userID, resourceID string) (*ledger.Grant, error) {
	table, err := grantTable(rt)
	if err != nil {
		return nil, err
	}
	col := grantColumn(rt)

	query := fmt.Sprintf(`
		SELECT id, user_id, %s, credits_spent, granted_at
		FROM %s WHERE user_id = $1 AND %s = $2`, col, table, col)

	g := ledger.Grant{ResourceType: rt}
	err = q.QueryRow(ctx, query, userID, resourceID).Scan(&g.ID, &g.UserID, &g.ResourceID, &g.CreditsSpent, &g.GrantedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return &g, nil
}

func scanCredits(row pgx.Row) (*ledger.Credits, error) {
	var c ledger.Credits
	if err := row.Scan(
		&c.UserID,
		&c.Balance,
		&c.VideoWatchMinutes,
		&c.ArticleCredits,
		&c.TotalEarned,
		&c.TotalSpent,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCode(row pgx.Row) (*ledger.LicenseCode, error) {
	var lc ledger.LicenseCode
	var creditType string
	if err := row.Scan(
		&lc.ID,
		&lc.Code,
		&creditType,
		&lc.CreditValue,
		&lc.VideoMinutes,
		&lc.ArticleCount,
		&lc.Redeemed,
		&lc.RedeemedBy,
		&lc.RedeemedAt,
		&lc.CreatedBy,
		&lc.CreatedAt,
	); err != nil {
		return nil, err
	}
	lc.CreditType = ledger.CreditType(creditType)
	return &lc, nil
}

func resourceTable(rt ledger.ResourceType) (string, error) {
	switch rt {
	case ledger.ResourceArticle:
		return "articles", nil
	case ledger.ResourceCourse:
		return "courses", nil
	}
	return "", fmt.Errorf("unknown resource type %q", rt)
}

func grantTable(rt ledger.ResourceType) (string, error) {
	switch rt {
	case ledger.ResourceArticle:
		return "article_access", nil
	case ledger.ResourceCourse:
		return "course_access", nil
	}
	return "", fmt.Errorf("unknown resource type %q", rt)
}

func grantColumn(rt ledger.ResourceType) string {
	if rt == ledger.ResourceCourse {
		return "course_id"
	}
	return "article_id"
}

// likePattern escapes LIKE wildcards in user input and wraps it for a
// substring match with ESCAPE '\'.
func likePattern(search string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(search) + "%"
}

var _ ledger.Store = (*LedgerStore)(nil)
