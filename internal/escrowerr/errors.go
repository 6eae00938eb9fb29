// Package escrowerr holds the typed errors shared by the escrow services.
// Every type reports a Kind so the HTTP layer and the worker can branch
// without string matching.
package escrowerr

import (
	"errors"
	"fmt"

	"milestonepay/pkg/rbac"
)

// Kind 错误分类
type Kind string

const (
	KindValidation        Kind = "validation"
	KindWalletMissing     Kind = "wallet_missing"
	KindAlreadyBound      Kind = "escrow_already_bound"
	KindIndexOutOfRange   Kind = "index_out_of_range"
	KindChainCall         Kind = "chain_call"
	KindPersistence       Kind = "persistence"
	KindMismatch          Kind = "reconciliation_mismatch"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotFound          Kind = "not_found"
	KindNotBound          Kind = "not_bound"
	KindPermissionDenied  Kind = "permission_denied"
	KindUnknown           Kind = "unknown"
)

// Kinded is implemented by every error in this package.
type Kinded interface {
	error
	Kind() Kind
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) Kind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	var denied *rbac.PermissionDeniedError
	if errors.As(err, &denied) {
		return KindPermissionDenied
	}
	return KindUnknown
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() Kind { return KindValidation }

// Party names the side whose wallet is missing.
type Party string

const (
	PartyRecipient Party = "recipient"
	PartyApprover  Party = "approver"
)

type WalletMissingError struct {
	UserID string
	Party  Party
}

func (e *WalletMissingError) Error() string {
	return fmt.Sprintf("%s %s has no wallet address", e.Party, e.UserID)
}

func (e *WalletMissingError) Kind() Kind { return KindWalletMissing }

// EscrowAlreadyBoundError 项目已有 binding，或已有一个进行中的部署
type EscrowAlreadyBoundError struct {
	ProjectID string
	Address   string
	Pending   bool
}

func (e *EscrowAlreadyBoundError) Error() string {
	if e.Pending {
		return fmt.Sprintf("project %s has an escrow deployment in progress", e.ProjectID)
	}
	return fmt.Sprintf("project %s is already bound to escrow %s", e.ProjectID, e.Address)
}

func (e *EscrowAlreadyBoundError) Kind() Kind { return KindAlreadyBound }

type IndexOutOfRangeError struct {
	Position      int
	OffChainCount int
	OnChainCount  int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("milestone index %d out of range (off-chain %d, on-chain %d)",
		e.Position, e.OffChainCount, e.OnChainCount)
}

func (e *IndexOutOfRangeError) Kind() Kind { return KindIndexOutOfRange }

// ChainCallError 链上调用失败。Transient 为 true 表示可以重试；
// Unknown 表示交易可能已经上链，重试前必须重新查询。
type ChainCallError struct {
	Op        string
	Transient bool
	Unknown   bool
	Reason    string
	Err       error
}

func (e *ChainCallError) Error() string {
	kind := "terminal"
	switch {
	case e.Unknown:
		kind = "unknown outcome"
	case e.Transient:
		kind = "transient"
	}
	msg := fmt.Sprintf("ledger %s failed (%s)", e.Op, kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChainCallError) Unwrap() error { return e.Err }

func (e *ChainCallError) Kind() Kind { return KindChainCall }

// Retryable lets pkg/util classify ledger failures without importing this package.
func (e *ChainCallError) Retryable() bool { return e.Transient }

type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Kind() Kind { return KindPersistence }

// ReconciliationMismatch 链上与链下记录不一致，只上报不修复
type ReconciliationMismatch struct {
	ProjectID     string
	OffChainCount int
	OnChainCount  int
	Detail        string
}

func (e *ReconciliationMismatch) Error() string {
	return fmt.Sprintf("reconciliation mismatch on project %s (off-chain %d, on-chain %d): %s",
		e.ProjectID, e.OffChainCount, e.OnChainCount, e.Detail)
}

func (e *ReconciliationMismatch) Kind() Kind { return KindMismatch }

type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Kind() Kind { return KindInvalidTransition }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Kind() Kind { return KindNotFound }

type NotBoundError struct {
	ProjectID string
}

func (e *NotBoundError) Error() string {
	return fmt.Sprintf("project %s has no escrow binding", e.ProjectID)
}

func (e *NotBoundError) Kind() Kind { return KindNotBound }

// IsTransientChain reports whether err is a retryable ledger failure.
func IsTransientChain(err error) bool {
	var ce *ChainCallError
	return errors.As(err, &ce) && ce.Transient
}

// IsTerminalChain reports whether err is a definitive ledger rejection.
func IsTerminalChain(err error) bool {
	var ce *ChainCallError
	return errors.As(err, &ce) && !ce.Transient
}
