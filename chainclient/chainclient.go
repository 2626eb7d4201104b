// Package chainclient wraps the execution-layer and consensus-layer
// providers behind typed reads used by the oracle and keeper duties.
package chainclient

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/retry"
)

// ExecutionClient talks to an execution-layer JSON-RPC provider. It holds a
// primary and an optional backup endpoint and fails over to the backup when
// the primary misbehaves, switching back on the next successful primary call.
type ExecutionClient struct {
	current *ethclient.Client
	primary *ethclient.Client
	backup  *ethclient.Client

	isPrimary   bool
	lock        sync.Mutex
	retryPolicy retry.Policy

	chainID *big.Int
}

func NewExecutionClient(ctx context.Context, primaryURL, backupURL string, policy retry.Policy) (*ExecutionClient, error) {

	primary, err := ethclient.DialContext(ctx, primaryURL)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to dial primary execution endpoint")
	}

	ec := &ExecutionClient{
		current:     primary,
		primary:     primary,
		backup:      nil,
		isPrimary:   true,
		retryPolicy: policy,
	}

	if backupURL != "" {
		backup, err := ethclient.DialContext(ctx, backupURL)
		if err != nil {
			log.WithError(err).Warn("Unable to dial backup execution endpoint; continuing without")
		} else {
			ec.backup = backup
		}
	}

	chainID, err := primary.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to fetch chain id")
	}
	ec.chainID = chainID

	log.WithField("ChainID", chainID).Info("Connected to execution layer")

	return ec, nil
}

func (ec *ExecutionClient) ChainID() *big.Int {
	return ec.chainID
}

func (ec *ExecutionClient) useBackup() {
	ec.lock.Lock()
	defer ec.lock.Unlock()

	if ec.backup == nil || !ec.isPrimary {
		return
	}

	log.Warn("Switching to backup execution endpoint")
	ec.current = ec.backup
	ec.isPrimary = false
}

// UsePrimary switches back to the primary endpoint. Called once per
// processing tick so a recovered primary is picked up again.
func (ec *ExecutionClient) UsePrimary() {
	ec.lock.Lock()
	defer ec.lock.Unlock()

	if ec.isPrimary {
		return
	}

	ec.current = ec.primary
	ec.isPrimary = true
}

func (ec *ExecutionClient) client() *ethclient.Client {
	ec.lock.Lock()
	defer ec.lock.Unlock()

	return ec.current
}

// do runs op through the retry policy, failing over to the backup endpoint
// between attempts. The backup stays selected until UsePrimary.
func (ec *ExecutionClient) do(ctx context.Context, name string, op func(cl *ethclient.Client) error) error {

	failed := false

	return ec.retryPolicy.Do(ctx, name, func() error {
		if failed {
			ec.useBackup()
		}

		err := op(ec.client())
		if err != nil {
			failed = true
		}

		return err
	})
}

// Call performs a read-only contract call at the latest block.
func (ec *ExecutionClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {

	var out []byte

	err := ec.do(ctx, "eth call", func(cl *ethclient.Client) error {
		var err error
		out, err = cl.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})

	return out, err
}

func (ec *ExecutionClient) BlockNumber(ctx context.Context) (uint64, error) {

	var number uint64

	err := ec.do(ctx, "eth blockNumber", func(cl *ethclient.Client) error {
		var err error
		number, err = cl.BlockNumber(ctx)
		return err
	})

	return number, err
}

func (ec *ExecutionClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {

	var balance *big.Int

	err := ec.do(ctx, "eth getBalance", func(cl *ethclient.Client) error {
		var err error
		balance, err = cl.BalanceAt(ctx, account, nil)
		return err
	})

	return balance, err
}

func (ec *ExecutionClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {

	var nonce uint64

	err := ec.do(ctx, "eth getTransactionCount", func(cl *ethclient.Client) error {
		var err error
		nonce, err = cl.PendingNonceAt(ctx, account)
		return err
	})

	return nonce, err
}

func (ec *ExecutionClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {

	var price *big.Int

	err := ec.do(ctx, "eth gasPrice", func(cl *ethclient.Client) error {
		var err error
		price, err = cl.SuggestGasPrice(ctx)
		return err
	})

	return price, err
}

func (ec *ExecutionClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {

	return ec.do(ctx, "eth sendRawTransaction", func(cl *ethclient.Client) error {
		return cl.SendTransaction(ctx, tx)
	})
}

// TransactionReceipt returns the receipt, or (nil, nil) while the
// transaction is still pending.
func (ec *ExecutionClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {

	receipt, err := ec.client().TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}

	return receipt, err
}

// FilterLogs queries historic logs; used to enumerate registered validators.
func (ec *ExecutionClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {

	var logs []types.Log

	err := ec.do(ctx, "eth getLogs", func(cl *ethclient.Client) error {
		var err error
		logs, err = cl.FilterLogs(ctx, q)
		return err
	})

	return logs, err
}
