// Package ledgertest provides an in-memory ledger.Ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"milestonepay/internal/escrowerr"
	"milestonepay/internal/ledger"
)

// Contract is the state of one fake escrow.
type Contract struct {
	Recipient  string
	Funder     string
	Approver   string
	Milestones []ledger.OnChainMilestone
}

type fakeTx struct {
	status ledger.TxStatus
}

// FakeLedger applies transactions immediately. Failure injection fields are
// read under the lock, so tests may set them before or between calls.
type FakeLedger struct {
	mu        sync.Mutex
	contracts map[string]*Contract
	txs       map[string]*fakeTx
	seq       int64

	deployCalls  int
	approveCalls int
	readCalls    int

	// Signer is reported as the funder of deployed contracts.
	Signer string

	ReadErr    error
	DeployErr  error
	ApproveErr error
	// DeployWaitErr is returned by WaitDeployed while the contract still exists.
	DeployWaitErr error
	// RevertDeploy makes the deployment mine as reverted with no code.
	RevertDeploy bool
	// RevertApprove makes approveMilestone mine as reverted without effect.
	RevertApprove bool
	// WaitTimeouts is the number of WaitTx calls that time out even though
	// the transaction was applied.
	WaitTimeouts int
	// SendDelay is slept inside ApproveMilestone before applying.
	SendDelay time.Duration
}

func New() *FakeLedger {
	return &FakeLedger{
		contracts: map[string]*Contract{},
		txs:       map[string]*fakeTx{},
		Signer:    common.HexToAddress("0x00000000000000000000000000000000000000f0").Hex(),
	}
}

func key(address string) string { return strings.ToLower(address) }

func (f *FakeLedger) nextHash() string {
	f.seq++
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", f.seq))).Hex()
}

// Seed installs a contract at address.
func (f *FakeLedger) Seed(address string, c *Contract) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contracts[key(address)] = c
}

// Contract returns a copy of the contract at address, or nil.
func (f *FakeLedger) Contract(address string) *Contract {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contracts[key(address)]
	if !ok {
		return nil
	}
	cp := *c
	cp.Milestones = copyMilestones(c.Milestones)
	return &cp
}

func (f *FakeLedger) DeployCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deployCalls
}

func (f *FakeLedger) ApproveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approveCalls
}

func (f *FakeLedger) ReadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readCalls
}

// Set updates failure injection fields under the lock.
func (f *FakeLedger) Set(fn func(f *FakeLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *FakeLedger) Milestones(_ context.Context, address string) ([]ledger.OnChainMilestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	c, ok := f.contracts[key(address)]
	if !ok {
		return nil, &escrowerr.ChainCallError{Op: "getMilestones", Reason: "execution reverted"}
	}
	return copyMilestones(c.Milestones), nil
}

func (f *FakeLedger) Participants(_ context.Context, address string) (ledger.Participants, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return ledger.Participants{}, f.ReadErr
	}
	c, ok := f.contracts[key(address)]
	if !ok {
		return ledger.Participants{}, &escrowerr.ChainCallError{Op: "recipient", Reason: "execution reverted"}
	}
	return ledger.Participants{Recipient: c.Recipient, Funder: c.Funder, Approver: c.Approver}, nil
}

func (f *FakeLedger) HasCode(_ context.Context, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return false, f.ReadErr
	}
	_, ok := f.contracts[key(address)]
	return ok, nil
}

func (f *FakeLedger) Deploy(_ context.Context, p ledger.DeployParams) (ledger.PendingDeploy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployCalls++
	if f.DeployErr != nil {
		return ledger.PendingDeploy{}, f.DeployErr
	}

	sum := new(big.Int)
	ms := make([]ledger.OnChainMilestone, len(p.Amounts))
	for i, a := range p.Amounts {
		ms[i] = ledger.OnChainMilestone{Amount: new(big.Int).Set(a)}
		sum.Add(sum, a)
	}

	f.seq++
	addr := common.BigToAddress(big.NewInt(0x1000 + f.seq)).Hex()
	hash := f.nextHash()
	if f.RevertDeploy || p.Value == nil || sum.Cmp(p.Value) != 0 {
		f.txs[hash] = &fakeTx{status: ledger.TxReverted}
		return ledger.PendingDeploy{Address: addr, TxHash: hash}, nil
	}

	f.contracts[key(addr)] = &Contract{
		Recipient:  p.Recipient,
		Funder:     f.Signer,
		Approver:   p.Approver,
		Milestones: ms,
	}
	f.txs[hash] = &fakeTx{status: ledger.TxConfirmed}
	return ledger.PendingDeploy{Address: addr, TxHash: hash}, nil
}

func (f *FakeLedger) WaitDeployed(_ context.Context, d ledger.PendingDeploy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeployWaitErr != nil {
		return f.DeployWaitErr
	}
	tx, ok := f.txs[d.TxHash]
	if !ok || tx.status == ledger.TxReverted {
		return &escrowerr.ChainCallError{Op: "waitDeployed", Reason: "transaction reverted"}
	}
	return nil
}

func (f *FakeLedger) ApproveMilestone(_ context.Context, address string, index int) (string, error) {
	f.mu.Lock()
	f.approveCalls++
	delay := f.SendDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApproveErr != nil {
		return "", f.ApproveErr
	}
	c, ok := f.contracts[key(address)]
	if !ok {
		return "", &escrowerr.ChainCallError{Op: "approveMilestone", Reason: "no contract code at given address"}
	}
	if index < 0 || index >= len(c.Milestones) {
		return "", &escrowerr.ChainCallError{Op: "approveMilestone", Reason: "Invalid milestone"}
	}
	if c.Milestones[index].Released {
		return "", &escrowerr.ChainCallError{Op: "approveMilestone", Reason: "Already released"}
	}

	hash := f.nextHash()
	if f.RevertApprove {
		f.txs[hash] = &fakeTx{status: ledger.TxReverted}
		return hash, nil
	}
	c.Milestones[index].Released = true
	f.txs[hash] = &fakeTx{status: ledger.TxConfirmed}
	return hash, nil
}

func (f *FakeLedger) TxStatus(_ context.Context, txHash string) (ledger.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return ledger.TxPending, f.ReadErr
	}
	tx, ok := f.txs[txHash]
	if !ok {
		return ledger.TxNotFound, nil
	}
	return tx.status, nil
}

func (f *FakeLedger) WaitTx(_ context.Context, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WaitTimeouts > 0 {
		f.WaitTimeouts--
		return &escrowerr.ChainCallError{Op: "waitTx", Transient: true, Unknown: true, Reason: "timed out waiting for receipt"}
	}
	tx, ok := f.txs[txHash]
	if !ok {
		return &escrowerr.ChainCallError{Op: "waitTx", Transient: true, Unknown: true, Reason: "transaction not found"}
	}
	if tx.status == ledger.TxReverted {
		return &escrowerr.ChainCallError{Op: "waitTx", Reason: "transaction reverted"}
	}
	return nil
}

func copyMilestones(ms []ledger.OnChainMilestone) []ledger.OnChainMilestone {
	out := make([]ledger.OnChainMilestone, len(ms))
	for i, m := range ms {
		out[i] = ledger.OnChainMilestone{Amount: new(big.Int).Set(m.Amount), Released: m.Released}
	}
	return out
}

var _ ledger.Ledger = (*FakeLedger)(nil)
