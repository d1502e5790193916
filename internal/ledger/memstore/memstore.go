// Package memstore is an in-process ledger.Store used by tests and by the
// server when no database is configured. Transactions are serialized by a
// single mutex and applied copy-on-write, so a failed callback leaves no trace.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"credit-ledger/internal/ledger"
)

// Fault names a write that can be made to fail on demand
type Fault string

const (
	FaultInsertGrant       Fault = "insert_grant"
	FaultInsertTransaction Fault = "insert_transaction"
	FaultInsertCodes       Fault = "insert_codes"
	FaultSaveCredits       Fault = "save_credits"
)

var errCheckViolation = errors.New("memstore: check constraint violated")

type grantKey struct {
	rt         ledger.ResourceType
	userID     string
	resourceID string
}

type resourceKey struct {
	rt ledger.ResourceType
	id string
}

type state struct {
	credits   map[string]ledger.Credits
	codes     map[string]ledger.LicenseCode // by code string
	codeIDs   map[string]string             // id -> code string
	codeOrder []string
	txns      []ledger.Transaction
	grants    map[grantKey]ledger.Grant
	resources map[resourceKey]ledger.Resource
}

func newState() *state {
	return &state{
		credits:   make(map[string]ledger.Credits),
		codes:     make(map[string]ledger.LicenseCode),
		codeIDs:   make(map[string]string),
		grants:    make(map[grantKey]ledger.Grant),
		resources: make(map[resourceKey]ledger.Resource),
	}
}

// clone copies the mutable maps. Append-only slices are re-sliced to full
// capacity so an append in the clone never writes into the original array.
func (s *state) clone() *state {
	c := &state{
		credits:   make(map[string]ledger.Credits, len(s.credits)),
		codes:     make(map[string]ledger.LicenseCode, len(s.codes)),
		codeIDs:   make(map[string]string, len(s.codeIDs)),
		codeOrder: s.codeOrder[:len(s.codeOrder):len(s.codeOrder)],
		txns:      s.txns[:len(s.txns):len(s.txns)],
		grants:    make(map[grantKey]ledger.Grant, len(s.grants)),
		resources: s.resources,
	}
	for k, v := range s.credits {
		c.credits[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.codeIDs {
		c.codeIDs[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	return c
}

// Store implements ledger.Store in memory
type Store struct {
	mu     sync.RWMutex
	state  *state
	faults map[Fault]error
}

// New creates an empty store
func New() *Store {
	return &Store{
		state:  newState(),
		faults: make(map[Fault]error),
	}
}

// InjectFault makes every subsequent write of the given kind fail with err.
// A nil err clears the fault.
func (s *Store) InjectFault(f Fault, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, f)
		return
	}
	s.faults[f] = err
}

// AddResource seeds a priced article or course
func (s *Store) AddResource(res ledger.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resources := make(map[resourceKey]ledger.Resource, len(s.state.resources)+1)
	for k, v := range s.state.resources {
		resources[k] = v
	}
	resources[resourceKey{res.Type, res.ID}] = res
	s.state.resources = resources
}

// UpsertResource matches the database catalog method
func (s *Store) UpsertResource(ctx context.Context, res ledger.Resource) error {
	if res.CreditsRequired < 0 {
		return fmt.Errorf("credits_required must not be negative")
	}
	s.AddResource(res)
	return nil
}

// AddCode seeds a license code outside any ledger operation
func (s *Store) AddCode(code ledger.LicenseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	next.putCode(code)
	s.state = next
}

// Transactions returns every ledger entry for a user in insertion order
func (s *Store) Transactions(userID string) []ledger.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Transaction
	for _, t := range s.state.txns {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

// Code returns a stored code by its string
func (s *Store) Code(code string) (ledger.LicenseCode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lc, ok := s.state.codes[code]
	return lc, ok
}

// WithTx runs fn against a private copy of the state and publishes the copy
// only when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{state: s.state.clone(), faults: s.faults}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.state = tx.state
	return nil
}

func (s *Store) GetCredits(ctx context.Context, userID string) (*ledger.Credits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.state.credits[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) GetGrant(ctx context.Context, rt ledger.ResourceType, userID, resourceID string) (*ledger.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.grant(rt, userID, resourceID), nil
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []ledger.Transaction
	for i := len(s.state.txns) - 1; i >= 0; i-- {
		t := s.state.txns[i]
		if t.UserID != filter.UserID {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		matched = append(matched, t)
	}

	return page(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (s *Store) ListCodes(ctx context.Context, filter ledger.CodeFilter) ([]ledger.LicenseCode, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(filter.Search)
	var matched []ledger.LicenseCode
	for i := len(s.state.codeOrder) - 1; i >= 0; i-- {
		lc := s.state.codes[s.state.codeOrder[i]]
		if search != "" &&
			!strings.Contains(strings.ToLower(lc.Code), search) &&
			!strings.Contains(strings.ToLower(lc.RedeemedBy), search) {
			continue
		}
		matched = append(matched, lc)
	}

	return page(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (s *Store) GetResource(ctx context.Context, rt ledger.ResourceType, id string) (*ledger.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.state.resources[resourceKey{rt, id}]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (st *state) grant(rt ledger.ResourceType, userID, resourceID string) *ledger.Grant {
	g, ok := st.grants[grantKey{rt, userID, resourceID}]
	if !ok {
		return nil
	}
	return &g
}

func (st *state) putCode(lc ledger.LicenseCode) {
	if _, exists := st.codes[lc.Code]; !exists {
		st.codeOrder = append(st.codeOrder, lc.Code)
	}
	st.codes[lc.Code] = lc
	st.codeIDs[lc.ID] = lc.Code
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

type memTx struct {
	state  *state
	faults map[Fault]error
}

func (t *memTx) fault(f Fault) error {
	return t.faults[f]
}

func (t *memTx) LockCredits(ctx context.Context, userID string) (*ledger.Credits, error) {
	c, ok := t.state.credits[userID]
	if !ok {
		c = ledger.Credits{UserID: userID, UpdatedAt: time.Now().UTC()}
		t.state.credits[userID] = c
	}
	return &c, nil
}

func (t *memTx) SaveCredits(ctx context.Context, credits *ledger.Credits) error {
	if err := t.fault(FaultSaveCredits); err != nil {
		return err
	}
	if credits.Balance < 0 || credits.VideoWatchMinutes < 0 || credits.ArticleCredits < 0 {
		return fmt.Errorf("%w: negative balance for user %s", errCheckViolation, credits.UserID)
	}
	t.state.credits[credits.UserID] = *credits
	return nil
}

func (t *memTx) LockCode(ctx context.Context, code string) (*ledger.LicenseCode, error) {
	lc, ok := t.state.codes[code]
	if !ok {
		return nil, nil
	}
	return &lc, nil
}

func (t *memTx) MarkCodeRedeemed(ctx context.Context, codeID, userID string, at time.Time) error {
	code, ok := t.state.codeIDs[codeID]
	if !ok {
		return fmt.Errorf("memstore: code %s not found", codeID)
	}
	lc := t.state.codes[code]
	if lc.Redeemed {
		return fmt.Errorf("memstore: code %s already redeemed", code)
	}
	lc.Redeemed = true
	lc.RedeemedBy = userID
	lc.RedeemedAt = &at
	t.state.codes[code] = lc
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	if err := t.fault(FaultInsertTransaction); err != nil {
		return err
	}
	if txn.BalanceAfter != txn.BalanceBefore+txn.Amount {
		return fmt.Errorf("%w: balance_after != balance_before + amount", errCheckViolation)
	}
	t.state.txns = append(t.state.txns, *txn)
	return nil
}

func (t *memTx) GetGrant(ctx context.Context, rt ledger.ResourceType, userID, resourceID string) (*ledger.Grant, error) {
	return t.state.grant(rt, userID, resourceID), nil
}

func (t *memTx) InsertGrant(ctx context.Context, grant *ledger.Grant) error {
	if err := t.fault(FaultInsertGrant); err != nil {
		return err
	}
	key := grantKey{grant.ResourceType, grant.UserID, grant.ResourceID}
	if _, exists := t.state.grants[key]; exists {
		return fmt.Errorf("memstore: duplicate %s grant for user %s", grant.ResourceType, grant.UserID)
	}
	t.state.grants[key] = *grant
	return nil
}

func (t *memTx) InsertCodes(ctx context.Context, codes []ledger.LicenseCode) ([]string, error) {
	if err := t.fault(FaultInsertCodes); err != nil {
		return nil, err
	}
	inserted := make([]string, 0, len(codes))
	for _, lc := range codes {
		if _, exists := t.state.codes[lc.Code]; exists {
			continue
		}
		t.state.putCode(lc)
		inserted = append(inserted, lc.Code)
	}
	return inserted, nil
}
