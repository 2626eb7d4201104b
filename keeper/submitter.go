package keeper

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/chainclient"
	"github.com/stakewise/oracle/retry"
)

// SubmitterClient is the execution-layer surface the submitter needs.
type SubmitterClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	RoundNonce(ctx context.Context) (uint64, error)
	ChainID() *big.Int
}

// TxSigner signs the finalizing transaction.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// SubmitterConfig bounds the submission attempt. The escalation interval and
// soft timeout drive gas-price bumping; the hard timeout aborts outright.
type SubmitterConfig struct {
	GasLimit           uint64
	MaxGasPrice        *big.Int
	EscalationPercent  int64
	EscalationInterval time.Duration
	SoftTimeout        time.Duration
	HardTimeout        time.Duration
	ReceiptInterval    time.Duration
	SendPolicy         retry.Policy
}

// Submitter turns an AggregatedResult into the single finalizing on-chain
// transaction. Concurrent keepers are expected: the contract accepts exactly
// one transaction per round nonce, and losing the race counts as success.
type Submitter struct {
	client   SubmitterClient
	signer   TxSigner
	oracles  common.Address
	clock    clockwork.Clock
	config   SubmitterConfig
	escalate bool
}

func NewSubmitter(client SubmitterClient, signer TxSigner, oraclesContract common.Address, clock clockwork.Clock, config SubmitterConfig, escalateGas bool) *Submitter {
	return &Submitter{
		client:   client,
		signer:   signer,
		oracles:  oraclesContract,
		clock:    clock,
		config:   config,
		escalate: escalateGas,
	}
}

// Submit builds, sends, and confirms finalize(nonce, merkleRoot,
// totalRewards, signatures[]). It returns nil both when our transaction
// confirms and when another keeper finalized the nonce first.
func (s *Submitter) Submit(ctx context.Context, result *AggregatedResult) error {

	sigs := make([][]byte, len(result.Signatures))
	copy(sigs, result.Signatures)

	callData, err := chainclient.OraclesABI.Pack("finalize",
		new(big.Int).SetUint64(result.Nonce),
		result.MerkleRoot,
		result.TotalRewards,
		sigs,
	)
	if err != nil {
		return errors.Wrap(err, "Unable to pack finalize call")
	}

	accountNonce, err := s.client.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return errors.Wrap(err, "Unable to fetch account nonce")
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return errors.Wrap(err, "Unable to fetch gas price")
	}

	txHash, err := s.send(ctx, accountNonce, gasPrice, callData)
	if err != nil {
		return s.resolveFailure(ctx, result.Nonce, err)
	}

	err = s.waitConfirmed(ctx, accountNonce, gasPrice, callData, txHash)
	if err != nil {
		return s.resolveFailure(ctx, result.Nonce, err)
	}

	return nil
}

// send signs and broadcasts one transaction, retrying transient provider
// failures per the configured policy.
func (s *Submitter) send(ctx context.Context, accountNonce uint64, gasPrice *big.Int, callData []byte) (common.Hash, error) {

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    accountNonce,
		To:       &s.oracles,
		Gas:      s.config.GasLimit,
		GasPrice: gasPrice,
		Data:     callData,
	})

	signedTx, err := s.signer.SignTx(tx, s.client.ChainID())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "Unable to sign transaction")
	}

	err = s.config.SendPolicy.Do(ctx, "send finalize tx", func() error {
		return s.client.SendTransaction(ctx, signedTx)
	})
	if err != nil {
		return common.Hash{}, err
	}

	log.WithFields(log.Fields{
		"TxHash": signedTx.Hash().Hex(), "AccountNonce": accountNonce, "GasPrice": gasPrice,
	}).Info("Submitted finalize transaction")

	return signedTx.Hash(), nil
}

// waitConfirmed polls for the receipt, escalating the gas price over the
// soft window when enabled, and aborting at the hard timeout.
func (s *Submitter) waitConfirmed(ctx context.Context, accountNonce uint64, gasPrice *big.Int, callData []byte, txHash common.Hash) error {

	start := s.clock.Now()
	lastBump := start

	for {
		select {
		case <-s.clock.After(s.config.ReceiptInterval):
		case <-ctx.Done():
			return ctx.Err()
		}

		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			log.WithError(err).Debug("Receipt poll failed")
		} else if receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				log.WithFields(log.Fields{
					"TxHash": txHash.Hex(), "Block": receipt.BlockNumber,
				}).Info("Finalize transaction confirmed")

				return nil
			}

			return errors.Errorf("Finalize transaction %s reverted", txHash.Hex())
		}

		elapsed := s.clock.Now().Sub(start)
		if elapsed >= s.config.HardTimeout {
			return errors.Errorf("Transaction %s not confirmed within hard timeout", txHash.Hex())
		}

		// Price escalation: replace the pending transaction (same account
		// nonce) with a pricier copy until the soft deadline.
		if s.escalate && elapsed < s.config.SoftTimeout &&
			s.clock.Now().Sub(lastBump) >= s.config.EscalationInterval {

			gasPrice = bumpGasPrice(gasPrice, s.config.EscalationPercent, s.config.MaxGasPrice)
			lastBump = s.clock.Now()

			newHash, err := s.send(ctx, accountNonce, gasPrice, callData)
			if err != nil {
				// A replacement either raced our original or hit the
				// provider; keep waiting on what is already out.
				log.WithError(err).Warn("Gas escalation replacement failed")
				continue
			}

			txHash = newHash
		}
	}
}

// resolveFailure re-checks the on-chain round nonce after a terminal send or
// confirmation failure. If another keeper advanced it, the round is done and
// the failure is not an error.
func (s *Submitter) resolveFailure(ctx context.Context, roundNonce uint64, cause error) error {

	currentNonce, err := s.client.RoundNonce(ctx)
	if err != nil {
		return errors.Wrapf(cause, "and nonce re-check failed: %v", err)
	}

	if currentNonce > roundNonce {
		log.WithFields(log.Fields{
			"Round": roundNonce, "Current": currentNonce,
		}).Info("Round already finalized by another keeper")

		return nil
	}

	return cause
}

func bumpGasPrice(price *big.Int, percent int64, max *big.Int) *big.Int {

	bumped := new(big.Int).Mul(price, big.NewInt(100+percent))
	bumped.Div(bumped, big.NewInt(100))

	if max != nil && bumped.Cmp(max) > 0 {
		bumped.Set(max)
	}

	return bumped
}
