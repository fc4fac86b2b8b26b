package bank

import (
	"context"
	"encoding/json"
	"fmt"

	"go-tidemark/pkg/tidemark"
)

// Transfer moves funds between two accounts as a single event. The decision
// context is the union of both accounts' histories; its tidemark is the
// witness that neither balance moved between the read and the append. Query
// and append use the same filter, so a competing deposit, withdrawal, or
// transfer on either side forces a re-read.
func Transfer(ctx context.Context, store tidemark.EventStore, transferID, fromAccountID, toAccountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if fromAccountID == toAccountID {
		return ErrSameAccount
	}

	filter := TransferFilter(fromAccountID, toAccountID)
	result, err := store.Query(ctx, filter)
	if err != nil {
		return err
	}

	from := Account{ID: fromAccountID}
	to := Account{ID: toAccountID}
	fromOpened, toOpened := false, false
	for _, event := range result.Events {
		if event.EventType == EventBankAccountOpened {
			var payload BankAccountOpened
			if err := json.Unmarshal(event.Payload, &payload); err == nil {
				switch payload.AccountID {
				case fromAccountID:
					fromOpened = true
				case toAccountID:
					toOpened = true
				}
			}
		}
		if err := from.fold(event); err != nil {
			return err
		}
		if err := to.fold(event); err != nil {
			return err
		}
	}

	if !fromOpened {
		return fmt.Errorf("account %s: %w", fromAccountID, ErrAccountNotFound)
	}
	if !toOpened {
		return fmt.Errorf("account %s: %w", toAccountID, ErrAccountNotFound)
	}
	if from.Currency != to.Currency {
		return fmt.Errorf("transfer between %s and %s accounts is not supported", from.Currency, to.Currency)
	}
	if from.Balance < amount {
		return fmt.Errorf("account %s has %d, needs %d: %w", fromAccountID, from.Balance, amount, ErrInsufficientFunds)
	}

	event := tidemark.NewInputEvent(EventMoneyTransferred, mustJSON(MoneyTransferred{
		TransferID:    transferID,
		FromAccountID: fromAccountID,
		ToAccountID:   toAccountID,
		Amount:        amount,
	}), newMetadata())

	return store.Append(ctx, filter, tidemark.NewEventBatch(event), tidemark.Expect(result.MaxSequenceNumber))
}
