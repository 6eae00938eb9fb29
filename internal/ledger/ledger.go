// Package ledger talks to the on-chain milestone escrow contract.
package ledger

import (
	"context"
	"math/big"
)

// TxStatus 链上交易状态
type TxStatus int

const (
	TxPending TxStatus = iota
	TxConfirmed
	TxReverted
	// TxNotFound means the node knows nothing about the hash: never broadcast or dropped.
	TxNotFound
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	case TxNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// OnChainMilestone mirrors one element of getMilestones().
type OnChainMilestone struct {
	Amount   *big.Int
	Released bool
}

// Participants 合约记录的三方地址
type Participants struct {
	Recipient string `json:"recipient"`
	Funder    string `json:"funder"`
	Approver  string `json:"approver"`
}

type DeployParams struct {
	Recipient string
	Approver  string
	Amounts   []*big.Int
	// Value is sent with the deployment and must equal the sum of Amounts.
	Value *big.Int
}

// PendingDeploy is a broadcast but unconfirmed deployment.
type PendingDeploy struct {
	Address string
	TxHash  string
}

// MilestoneReader reads the contract's milestone array.
type MilestoneReader interface {
	Milestones(ctx context.Context, address string) ([]OnChainMilestone, error)
}

// Ledger is the escrow contract surface used by the services. Every error it
// returns is an *escrowerr.ChainCallError.
type Ledger interface {
	MilestoneReader
	Deploy(ctx context.Context, p DeployParams) (PendingDeploy, error)
	WaitDeployed(ctx context.Context, d PendingDeploy) error
	Participants(ctx context.Context, address string) (Participants, error)
	HasCode(ctx context.Context, address string) (bool, error)
	ApproveMilestone(ctx context.Context, address string, index int) (string, error)
	TxStatus(ctx context.Context, txHash string) (TxStatus, error)
	WaitTx(ctx context.Context, txHash string) error
}
