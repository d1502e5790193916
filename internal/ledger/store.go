package ledger

import (
	"context"
	"time"
)

// Store persists the ledger. Implementations must make WithTx a scoped
// acquisition: the callback's writes are committed only when it returns nil
// and rolled back on any error or panic.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetCredits returns nil, nil when the user has no ledger row yet
	GetCredits(ctx context.Context, userID string) (*Credits, error)
	// GetGrant returns nil, nil when no grant exists
	GetGrant(ctx context.Context, rt ResourceType, userID, resourceID string) (*Grant, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)
	ListCodes(ctx context.Context, filter CodeFilter) ([]LicenseCode, int, error)
	// GetResource returns nil, nil when the resource does not exist
	GetResource(ctx context.Context, rt ResourceType, id string) (*Resource, error)
}

// Tx is the set of operations available inside a ledger transaction.
// Lock* methods hold a row lock until the transaction ends.
type Tx interface {
	// LockCredits creates the all-zero row when missing, then locks it
	LockCredits(ctx context.Context, userID string) (*Credits, error)
	SaveCredits(ctx context.Context, credits *Credits) error

	// LockCode returns nil, nil when the code does not exist
	LockCode(ctx context.Context, code string) (*LicenseCode, error)
	MarkCodeRedeemed(ctx context.Context, codeID, userID string, at time.Time) error

	InsertTransaction(ctx context.Context, txn *Transaction) error

	GetGrant(ctx context.Context, rt ResourceType, userID, resourceID string) (*Grant, error)
	InsertGrant(ctx context.Context, grant *Grant) error

	// InsertCodes inserts codes, skipping any whose code string already
	// exists, and returns the code strings that were actually inserted.
	InsertCodes(ctx context.Context, codes []LicenseCode) ([]string, error)
}

// BalanceCache is an optional read-through cache for GetBalance. Committed
// balances are written through after every mutation. SetBalance must not
// replace an entry whose UpdatedAt is later than the one being stored.
type BalanceCache interface {
	GetBalance(ctx context.Context, userID string) (*Credits, bool)
	SetBalance(ctx context.Context, credits *Credits)
}
