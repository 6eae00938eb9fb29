package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"milestonepay/internal/escrowerr"
	"milestonepay/pkg/util"
)

// revertReason extracts the contract's revert reason when err is an
// execution revert, from either a call, a gas estimation or a send.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(hexData)); uerr == nil {
				return reason, true
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(strings.ToLower(msg), "execution reverted"); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len("execution reverted"):], ":"))
		if reason == "" {
			reason = "execution reverted"
		}
		return reason, true
	}
	return "", false
}

// isContractRejection is used by the circuit breaker: a revert means the
// node answered, so it does not count as a failure of the RPC endpoint.
func isContractRejection(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	_, reverted := revertReason(err)
	return reverted
}

var terminalMarkers = []string{
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
	"no contract code at given address",
}

// classify maps a raw client error onto ChainCallError. Anything that is not
// positively known to be final is treated as transient, because the caller
// re-reads the ledger before acting again.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *escrowerr.ChainCallError
	if errors.As(err, &ce) {
		return err
	}

	if reason, ok := revertReason(err); ok {
		return &escrowerr.ChainCallError{Op: op, Reason: reason, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &escrowerr.ChainCallError{Op: op, Transient: true, Unknown: true, Reason: "canceled", Err: err}
	}

	lower := strings.ToLower(err.Error())
	for _, marker := range terminalMarkers {
		if strings.Contains(lower, marker) {
			return &escrowerr.ChainCallError{Op: op, Reason: marker, Err: err}
		}
	}

	_, errType := util.IsRetryableError(err)
	return &escrowerr.ChainCallError{
		Op:        op,
		Transient: true,
		Unknown:   errors.Is(err, context.DeadlineExceeded),
		Reason:    errType,
		Err:       err,
	}
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case escrowerr.IsTransientChain(err):
		return "transient"
	default:
		return "terminal"
	}
}
