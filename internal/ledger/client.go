package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"milestonepay/internal/escrowerr"
	"milestonepay/pkg/circuitbreaker"
	"milestonepay/pkg/config"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/otel"
)

// Backend is the subset of *ethclient.Client used by Client.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Client is the go-ethereum implementation of Ledger. All transactions are
// signed by one key; sendMu serializes nonce assignment and broadcast for it.
type Client struct {
	backend  Backend
	abi      abi.ABI
	bytecode []byte
	auth     *bind.TransactOpts
	from     common.Address

	sendMu  sync.Mutex
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger

	txTimeout     time.Duration
	deployTimeout time.Duration
	pollInterval  time.Duration
}

// Dial connects to cfg.RPCURL and builds a Client.
func Dial(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*Client, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc %s: %w", cfg.RPCURL, err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = ec.ChainID(ctx); err != nil {
			ec.Close()
			return nil, nil, fmt.Errorf("query chain id: %w", err)
		}
	}

	var bytecode []byte
	if cfg.ArtifactPath != "" {
		if bytecode, err = LoadBytecode(cfg.ArtifactPath); err != nil {
			ec.Close()
			return nil, nil, err
		}
	}

	c, err := NewClient(ec, cfg, chainID, bytecode, logger)
	if err != nil {
		ec.Close()
		return nil, nil, err
	}
	return c, ec, nil
}

// NewClient builds a Client over an existing backend.
func NewClient(backend Backend, cfg config.ChainConfig, chainID *big.Int, bytecode []byte, logger *zap.Logger) (*Client, error) {
	parsed, err := EscrowABI()
	if err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	from := crypto.PubkeyToAddress(*key.Public().(*ecdsa.PublicKey))

	limit := rate.Inf
	if cfg.RPCRateLimit > 0 {
		limit = rate.Limit(cfg.RPCRateLimit)
	}
	burst := cfg.RPCBurst
	if burst <= 0 {
		burst = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	breakerCfg := circuitbreaker.DefaultConfig("ledger")
	breakerCfg.IsFailure = func(err error) bool { return !isContractRejection(err) }
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("Ledger circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	logger.Info("Ledger client ready",
		zap.String("signer", from.Hex()),
		zap.String("chain_id", chainID.String()),
		zap.Bool("can_deploy", len(bytecode) > 0),
	)

	return &Client{
		backend:       backend,
		abi:           parsed,
		bytecode:      bytecode,
		auth:          auth,
		from:          from,
		limiter:       rate.NewLimiter(limit, burst),
		breaker:       circuitbreaker.NewCircuitBreaker(breakerCfg),
		logger:        logger,
		txTimeout:     cfg.TxTimeout,
		deployTimeout: cfg.DeployTimeout,
		pollInterval:  poll,
	}, nil
}

// SignerAddress is the account that signs deployments and releases.
func (c *Client) SignerAddress() string {
	return c.from.Hex()
}

// do wraps a single RPC round trip with tracing, rate limiting, the circuit
// breaker, metrics and error classification.
func (c *Client) do(ctx context.Context, method, contract string, fn func(ctx context.Context) error) error {
	ctx, span := otel.LedgerSpan(ctx, method, contract)
	start := time.Now()

	err := c.limiter.Wait(ctx)
	if err == nil {
		err = c.breaker.Execute(func() error { return fn(ctx) })
	}
	err = classify(method, err)

	metrics.RecordLedgerCall(method, callStatus(err), time.Since(start))
	otel.EndSpan(span, err)
	return err
}

func (c *Client) contract(address string) (*bind.BoundContract, error) {
	if !common.IsHexAddress(address) {
		return nil, &escrowerr.ChainCallError{Op: "bind", Reason: fmt.Sprintf("invalid contract address %q", address)}
	}
	addr := common.HexToAddress(address)
	return bind.NewBoundContract(addr, c.abi, c.backend, c.backend, c.backend), nil
}

func (c *Client) transactOpts(ctx context.Context, value *big.Int) *bind.TransactOpts {
	opts := *c.auth
	opts.Context = ctx
	opts.Value = value
	return &opts
}

func (c *Client) Milestones(ctx context.Context, address string) ([]OnChainMilestone, error) {
	bound, err := c.contract(address)
	if err != nil {
		return nil, err
	}
	var ms []OnChainMilestone
	err = c.do(ctx, methodGetMilestones, address, func(ctx context.Context) error {
		var out []interface{}
		if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, methodGetMilestones); err != nil {
			return err
		}
		decoded, err := unpackMilestones(out)
		if err != nil {
			return err
		}
		ms = decoded
		return nil
	})
	return ms, err
}

func (c *Client) Participants(ctx context.Context, address string) (Participants, error) {
	bound, err := c.contract(address)
	if err != nil {
		return Participants{}, err
	}
	read := func(method string) (string, error) {
		var addr string
		err := c.do(ctx, method, address, func(ctx context.Context) error {
			var out []interface{}
			if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
				return err
			}
			a, err := unpackAddress(out)
			addr = a
			return err
		})
		return addr, err
	}

	var p Participants
	if p.Recipient, err = read(methodRecipient); err != nil {
		return Participants{}, err
	}
	if p.Funder, err = read(methodFunder); err != nil {
		return Participants{}, err
	}
	if p.Approver, err = read(methodApprover); err != nil {
		return Participants{}, err
	}
	return p, nil
}

func (c *Client) HasCode(ctx context.Context, address string) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, nil
	}
	var has bool
	err := c.do(ctx, "codeAt", address, func(ctx context.Context) error {
		code, err := c.backend.CodeAt(ctx, common.HexToAddress(address), nil)
		has = len(code) > 0
		return err
	})
	return has, err
}

// Deploy broadcasts the escrow deployment and returns without waiting for it.
func (c *Client) Deploy(ctx context.Context, p DeployParams) (PendingDeploy, error) {
	if len(c.bytecode) == 0 {
		return PendingDeploy{}, &escrowerr.ChainCallError{Op: "deploy", Reason: "no contract bytecode configured"}
	}
	for _, a := range []string{p.Recipient, p.Approver} {
		if !common.IsHexAddress(a) {
			return PendingDeploy{}, &escrowerr.ChainCallError{Op: "deploy", Reason: fmt.Sprintf("invalid address %q", a)}
		}
	}

	var pending PendingDeploy
	err := c.do(ctx, "deploy", "", func(ctx context.Context) error {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()

		addr, tx, _, err := bind.DeployContract(
			c.transactOpts(ctx, p.Value),
			c.abi,
			c.bytecode,
			c.backend,
			common.HexToAddress(p.Recipient),
			common.HexToAddress(p.Approver),
			p.Amounts,
		)
		if err != nil {
			return err
		}
		pending = PendingDeploy{Address: addr.Hex(), TxHash: tx.Hash().Hex()}
		return nil
	})
	if err != nil {
		return PendingDeploy{}, err
	}

	c.logger.Info("Escrow deployment broadcast",
		zap.String("address", pending.Address),
		zap.String("tx_hash", pending.TxHash),
	)
	return pending, nil
}

// WaitDeployed waits for the deployment receipt and checks that code exists.
func (c *Client) WaitDeployed(ctx context.Context, d PendingDeploy) error {
	if err := c.waitTx(ctx, "waitDeployed", d.TxHash, c.deployTimeout); err != nil {
		return err
	}
	has, err := c.HasCode(ctx, d.Address)
	if err != nil {
		return err
	}
	if !has {
		return &escrowerr.ChainCallError{Op: "waitDeployed", Reason: "no code at deployed address"}
	}
	return nil
}

// ApproveMilestone broadcasts approveMilestone(index) and returns the tx hash.
// Gas estimation runs first, so a call the contract would refuse fails here
// with a terminal error and nothing is sent.
func (c *Client) ApproveMilestone(ctx context.Context, address string, index int) (string, error) {
	bound, err := c.contract(address)
	if err != nil {
		return "", err
	}
	var hash string
	err = c.do(ctx, methodApproveMilestone, address, func(ctx context.Context) error {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()

		tx, err := bound.Transact(c.transactOpts(ctx, nil), methodApproveMilestone, big.NewInt(int64(index)))
		if err != nil {
			return err
		}
		hash = tx.Hash().Hex()
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("approveMilestone broadcast",
		zap.String("address", address),
		zap.Int("index", index),
		zap.String("tx_hash", hash),
	)
	return hash, nil
}

func (c *Client) TxStatus(ctx context.Context, txHash string) (TxStatus, error) {
	h := common.HexToHash(txHash)
	status := TxPending
	err := c.do(ctx, "txStatus", "", func(ctx context.Context) error {
		receipt, err := c.backend.TransactionReceipt(ctx, h)
		if err == nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				status = TxConfirmed
			} else {
				status = TxReverted
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return err
		}

		// No receipt yet: either still in the pool or unknown to the node.
		_, _, err = c.backend.TransactionByHash(ctx, h)
		if errors.Is(err, ethereum.NotFound) {
			status = TxNotFound
			return nil
		}
		if err != nil {
			return err
		}
		status = TxPending
		return nil
	})
	return status, err
}

// WaitTx polls until the transaction is mined or the tx timeout elapses.
// A timeout is reported as a transient error with an unknown outcome.
func (c *Client) WaitTx(ctx context.Context, txHash string) error {
	return c.waitTx(ctx, "waitTx", txHash, c.txTimeout)
}

func (c *Client) waitTx(ctx context.Context, op, txHash string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.TxStatus(ctx, txHash)
		switch {
		case err != nil && ctx.Err() == nil && escrowerr.IsTransientChain(err):
			c.logger.Debug("Transient error while waiting for tx",
				zap.String("tx_hash", txHash),
				zap.Error(err),
			)
		case err != nil && ctx.Err() == nil:
			return err
		case status == TxConfirmed:
			return nil
		case status == TxReverted:
			return &escrowerr.ChainCallError{Op: op, Reason: "transaction reverted"}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return &escrowerr.ChainCallError{Op: op, Transient: true, Unknown: true, Reason: "canceled while waiting", Err: ctx.Err()}
			}
			return &escrowerr.ChainCallError{Op: op, Transient: true, Unknown: true, Reason: "timed out waiting for receipt", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}
