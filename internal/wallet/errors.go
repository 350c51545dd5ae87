// Package wallet holds the wallet aggregate (C4): in-memory domain rules
// that validate commands and emit events. Package kept from the teacher
// repository (which used it for a CRUD wallet row); semantics replaced
// with event sourcing per spec.md §4.4.
package wallet

import "fmt"

// InvalidAmount is raised on a non-positive or non-finite amount.
type InvalidAmount struct {
	Amount float64
}

func (e *InvalidAmount) Error() string {
	return fmt.Sprintf("invalid amount: %v", e.Amount)
}

// InsufficientFunds is raised when a debit would overdraw the wallet.
type InsufficientFunds struct {
	Available int64
	Requested int64
}

func (e *InsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: available %d, requested %d", e.Available, e.Requested)
}

// WalletAlreadyExists is raised by command handlers (not the aggregate
// itself) on double-creation.
type WalletAlreadyExists struct {
	WalletID string
}

func (e *WalletAlreadyExists) Error() string {
	return fmt.Sprintf("wallet already exists: %s", e.WalletID)
}

// WalletNotFound is raised when a stream or read-model row is absent.
type WalletNotFound struct {
	WalletID string
}

func (e *WalletNotFound) Error() string {
	return fmt.Sprintf("wallet not found: %s", e.WalletID)
}
