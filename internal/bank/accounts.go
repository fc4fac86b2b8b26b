package bank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"go-tidemark/pkg/tidemark"
)

// Domain errors. Store errors (concurrency conflicts, unavailability) pass
// through unwrapped; callers decide whether to re-read and retry. The one
// exception is OpenAccount, which reports a conflict on its duplicate-id
// context as ErrAccountExists.
var (
	ErrAccountExists     = errors.New("account already exists")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrSameAccount       = errors.New("transfer requires two distinct accounts")
)

// Account is the state folded from an account's event context.
type Account struct {
	ID       string
	Owner    string
	Currency string
	Balance  int64

	// Tidemark is the max sequence number of the context the state was
	// folded from; pass it back as the expected value when appending.
	Tidemark int64
}

// fold applies one event to the account state. Events touching other
// accounts inside a transfer context adjust only the side that matches.
func (a *Account) fold(event tidemark.Event) error {
	switch event.EventType {
	case EventBankAccountOpened:
		var opened BankAccountOpened
		if err := json.Unmarshal(event.Payload, &opened); err != nil {
			return fmt.Errorf("malformed %s payload at sequence %d: %w", event.EventType, event.SequenceNumber, err)
		}
		if opened.AccountID != a.ID {
			return nil
		}
		a.Owner = opened.Owner
		a.Currency = opened.Currency
		a.Balance = opened.OpeningBalance
	case EventMoneyDeposited:
		var deposited MoneyDeposited
		if err := json.Unmarshal(event.Payload, &deposited); err != nil {
			return fmt.Errorf("malformed %s payload at sequence %d: %w", event.EventType, event.SequenceNumber, err)
		}
		if deposited.AccountID == a.ID {
			a.Balance += deposited.Amount
		}
	case EventMoneyWithdrawn:
		var withdrawn MoneyWithdrawn
		if err := json.Unmarshal(event.Payload, &withdrawn); err != nil {
			return fmt.Errorf("malformed %s payload at sequence %d: %w", event.EventType, event.SequenceNumber, err)
		}
		if withdrawn.AccountID == a.ID {
			a.Balance -= withdrawn.Amount
		}
	case EventMoneyTransferred:
		var transferred MoneyTransferred
		if err := json.Unmarshal(event.Payload, &transferred); err != nil {
			return fmt.Errorf("malformed %s payload at sequence %d: %w", event.EventType, event.SequenceNumber, err)
		}
		if transferred.FromAccountID == a.ID {
			a.Balance -= transferred.Amount
		}
		if transferred.ToAccountID == a.ID {
			a.Balance += transferred.Amount
		}
	}
	return nil
}

// loadAccount queries the account context and folds it. The returned bool
// reports whether the account exists (an opened event was seen).
func loadAccount(ctx context.Context, store tidemark.EventStore, accountID string) (Account, bool, error) {
	result, err := store.Query(ctx, AccountFilter(accountID))
	if err != nil {
		return Account{}, false, err
	}

	account := Account{ID: accountID, Tidemark: result.MaxSequenceNumber}
	opened := false
	for _, event := range result.Events {
		if event.EventType == EventBankAccountOpened {
			var payload BankAccountOpened
			if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.AccountID == accountID {
				opened = true
			}
		}
		if err := account.fold(event); err != nil {
			return Account{}, false, err
		}
	}
	return account, opened, nil
}

// GetAccount returns the account's current state.
func GetAccount(ctx context.Context, store tidemark.EventStore, accountID string) (Account, error) {
	account, opened, err := loadAccount(ctx, store, accountID)
	if err != nil {
		return Account{}, err
	}
	if !opened {
		return Account{}, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	return account, nil
}

// OpenAccount creates an account. The duplicate-id context is the set of
// opened events for this id; expecting its tidemark at 0 makes creation
// first-writer-wins.
func OpenAccount(ctx context.Context, store tidemark.EventStore, accountID, owner, currency string, openingBalance int64) error {
	if openingBalance < 0 {
		return ErrInvalidAmount
	}
	currency = strings.ToUpper(currency)
	if len(currency) != 3 {
		return fmt.Errorf("currency %q: must be a three-letter code", currency)
	}

	filter := openedFilter(accountID)
	result, err := store.Query(ctx, filter)
	if err != nil {
		return err
	}
	if len(result.Events) > 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrAccountExists)
	}

	event := tidemark.NewInputEvent(EventBankAccountOpened, mustJSON(BankAccountOpened{
		AccountID:      accountID,
		Owner:          owner,
		Currency:       currency,
		OpeningBalance: openingBalance,
	}), newMetadata())

	err = store.Append(ctx, filter, tidemark.NewEventBatch(event), tidemark.Expect(result.MaxSequenceNumber))
	if tidemark.IsConcurrencyError(err) {
		// The only event that can enter this context is another opening.
		return fmt.Errorf("account %s: %w", accountID, ErrAccountExists)
	}
	return err
}

// Deposit adds funds to an account.
func Deposit(ctx context.Context, store tidemark.EventStore, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	account, opened, err := loadAccount(ctx, store, accountID)
	if err != nil {
		return err
	}
	if !opened {
		return fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}

	event := tidemark.NewInputEvent(EventMoneyDeposited, mustJSON(MoneyDeposited{
		AccountID: accountID,
		Amount:    amount,
		DepositID: uuid.NewString(),
	}), newMetadata())

	return store.Append(ctx, AccountFilter(accountID), tidemark.NewEventBatch(event), tidemark.Expect(account.Tidemark))
}

// Withdraw removes funds from an account, refusing to overdraw. The expected
// tidemark guarantees the balance it validated is still the balance it
// debits.
func Withdraw(ctx context.Context, store tidemark.EventStore, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	account, opened, err := loadAccount(ctx, store, accountID)
	if err != nil {
		return err
	}
	if !opened {
		return fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	if account.Balance < amount {
		return fmt.Errorf("account %s has %d, needs %d: %w", accountID, account.Balance, amount, ErrInsufficientFunds)
	}

	event := tidemark.NewInputEvent(EventMoneyWithdrawn, mustJSON(MoneyWithdrawn{
		AccountID:    accountID,
		Amount:       amount,
		WithdrawalID: uuid.NewString(),
	}), newMetadata())

	return store.Append(ctx, AccountFilter(accountID), tidemark.NewEventBatch(event), tidemark.Expect(account.Tidemark))
}
