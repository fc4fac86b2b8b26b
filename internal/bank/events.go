// Package bank is the sample domain shipped with the store: feature slices
// that read a filtered view of the log, decide, and commit the decision with
// a conditional append. The store's concurrency protocol does the locking;
// the slices own only their business rules.
package bank

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.jetify.com/typeid"

	"go-tidemark/pkg/tidemark"
)

// Event type tags. The tag is the authoritative discriminator on read.
const (
	EventBankAccountOpened = "BankAccountOpened"
	EventMoneyDeposited    = "MoneyDeposited"
	EventMoneyWithdrawn    = "MoneyWithdrawn"
	EventMoneyTransferred  = "MoneyTransferred"
)

// BankAccountOpened records the creation of an account.
type BankAccountOpened struct {
	AccountID      string `json:"account_id"`
	Owner          string `json:"owner"`
	Currency       string `json:"currency"`
	OpeningBalance int64  `json:"opening_balance"`
}

// MoneyDeposited records a deposit into an account. Amounts are minor units.
type MoneyDeposited struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	DepositID string `json:"deposit_id"`
}

// MoneyWithdrawn records a withdrawal from an account.
type MoneyWithdrawn struct {
	AccountID    string `json:"account_id"`
	Amount       int64  `json:"amount"`
	WithdrawalID string `json:"withdrawal_id"`
}

// MoneyTransferred records a transfer touching two accounts with one event.
type MoneyTransferred struct {
	TransferID    string `json:"transfer_id"`
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
}

var accountEventTypes = []string{
	EventBankAccountOpened,
	EventMoneyDeposited,
	EventMoneyWithdrawn,
	EventMoneyTransferred,
}

// AccountFilter describes an account's full context: every event type that
// can move its balance, on either side of a transfer.
func AccountFilter(accountID string) tidemark.Filter {
	return tidemark.MustNewFilter(accountEventTypes).
		WithPayloadPredicate("account_id", accountID).
		WithPayloadPredicate("from_account_id", accountID).
		WithPayloadPredicate("to_account_id", accountID)
}

// TransferFilter is the union of both accounts' contexts, so a transfer's
// tidemark witnesses every event that could have moved either balance.
func TransferFilter(fromAccountID, toAccountID string) tidemark.Filter {
	return tidemark.MustNewFilter(accountEventTypes).
		WithPayloadPredicate("account_id", fromAccountID).
		WithPayloadPredicate("from_account_id", fromAccountID).
		WithPayloadPredicate("to_account_id", fromAccountID).
		WithPayloadPredicate("account_id", toAccountID).
		WithPayloadPredicate("from_account_id", toAccountID).
		WithPayloadPredicate("to_account_id", toAccountID)
}

// openedFilter is the narrow duplicate-id context used by OpenAccount.
func openedFilter(accountID string) tidemark.Filter {
	return tidemark.MustNewFilter([]string{EventBankAccountOpened}).
		WithPayloadPredicate("account_id", accountID)
}

// NewAccountID generates a typed account identifier (account_...).
func NewAccountID() string {
	tid, err := typeid.WithPrefix("account")
	if err != nil {
		panic(err)
	}
	return tid.String()
}

// NewTransferID generates a typed transfer identifier (transfer_...).
func NewTransferID() string {
	tid, err := typeid.WithPrefix("transfer")
	if err != nil {
		panic(err)
	}
	return tid.String()
}

// newMetadata stamps each appended event with a correlation id.
func newMetadata() []byte {
	data, err := json.Marshal(map[string]string{
		"correlation_id": uuid.NewString(),
	})
	if err != nil {
		panic(err)
	}
	return data
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
