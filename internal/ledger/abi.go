package ledger

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed escrow_abi.json
var escrowABIJSON string

const (
	methodGetMilestones    = "getMilestones"
	methodApproveMilestone = "approveMilestone"
	methodRecipient        = "recipient"
	methodFunder           = "funder"
	methodApprover         = "approver"
)

// escrowMilestone matches the tuple(uint256 amount, bool released) layout.
type escrowMilestone struct {
	Amount   *big.Int
	Released bool
}

// EscrowABI returns the parsed escrow contract ABI.
func EscrowABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse escrow abi: %w", err)
	}
	return parsed, nil
}

func unpackMilestones(out []interface{}) ([]OnChainMilestone, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("getMilestones returned %d values", len(out))
	}
	raw := *abi.ConvertType(out[0], new([]escrowMilestone)).(*[]escrowMilestone)
	ms := make([]OnChainMilestone, len(raw))
	for i, m := range raw {
		ms[i] = OnChainMilestone{Amount: m.Amount, Released: m.Released}
	}
	return ms, nil
}

func unpackAddress(out []interface{}) (string, error) {
	if len(out) != 1 {
		return "", fmt.Errorf("expected one address, got %d values", len(out))
	}
	addr := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	return addr.Hex(), nil
}

// hardhatArtifact is the subset of a Hardhat compile artifact we need.
type hardhatArtifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// LoadBytecode reads the creation bytecode from a Hardhat artifact and checks
// that its ABI exposes the methods the client calls.
func LoadBytecode(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var art hardhatArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}

	artABI, err := abi.JSON(strings.NewReader(string(art.ABI)))
	if err != nil {
		return nil, fmt.Errorf("parse artifact abi: %w", err)
	}
	want, err := EscrowABI()
	if err != nil {
		return nil, err
	}
	for name, m := range want.Methods {
		got, ok := artABI.Methods[name]
		if !ok || got.Sig != m.Sig {
			return nil, fmt.Errorf("artifact %s does not expose %s", path, m.Sig)
		}
	}

	code := common.FromHex(art.Bytecode)
	if len(code) == 0 {
		return nil, fmt.Errorf("artifact %s has empty bytecode", path)
	}
	return code, nil
}
