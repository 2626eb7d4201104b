package chainclient

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Minimal ABI fragments for the contracts the oracle touches. Only the
// functions actually called are declared.
const oraclesABIJSON = `[
	{"name":"currentNonce","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"paused","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"bool"}]},
	{"name":"getRoleMemberCount","type":"function","stateMutability":"view","inputs":[{"type":"bytes32"}],"outputs":[{"type":"uint256"}]},
	{"name":"getRoleMember","type":"function","stateMutability":"view","inputs":[{"type":"bytes32"},{"type":"uint256"}],"outputs":[{"type":"address"}]},
	{"name":"quorumThreshold","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"lastMerkleProofs","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"finalize","type":"function","stateMutability":"nonpayable","inputs":[{"type":"uint256"},{"type":"bytes32"},{"type":"uint256"},{"type":"bytes[]"}],"outputs":[]}
]`

const poolABIJSON = `[
	{"name":"totalDeposited","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"totalDistributed","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]}
]`

var (
	OraclesABI = mustParseABI(oraclesABIJSON)
	PoolABI    = mustParseABI(poolABIJSON)

	// OracleRole guards registry membership on the oracles contract.
	OracleRole = common.BytesToHash(crypto.Keccak256([]byte("ORACLE_ROLE")))

	// ValidatorRegisteredTopic is the topic0 of the pool's
	// ValidatorRegistered(bytes) event.
	ValidatorRegisteredTopic = common.BytesToHash(crypto.Keccak256([]byte("ValidatorRegistered(bytes)")))

	bytesType = mustNewType("bytes")
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}

	return parsed
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}

	return typ
}

// Contracts bundles the deployed addresses the oracle operates against.
type Contracts struct {
	Oracles common.Address
	Pool    common.Address
}

// BoundClient is an ExecutionClient bound to the deployed contract set,
// exposing the typed reads the round duties consume.
type BoundClient struct {
	*ExecutionClient

	contracts Contracts
}

func (ec *ExecutionClient) Bind(contracts Contracts) *BoundClient {
	return &BoundClient{
		ExecutionClient: ec,
		contracts:       contracts,
	}
}

func (b *BoundClient) Contracts() Contracts {
	return b.contracts
}

func (b *BoundClient) callMethod(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to pack %s", method)
	}

	out, err := b.Call(ctx, to, data)
	if err != nil {
		return nil, err
	}

	results, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(err, "Unable to unpack %s", method)
	}

	return results, nil
}

func (b *BoundClient) callUint256(ctx context.Context, parsed abi.ABI, to common.Address, method string, args ...interface{}) (*big.Int, error) {

	results, err := b.callMethod(ctx, parsed, to, method, args...)
	if err != nil {
		return nil, err
	}

	value, ok := results[0].(*big.Int)
	if !ok {
		return nil, errors.Errorf("%s returned unexpected type", method)
	}

	return value, nil
}

// RoundNonce returns the next round nonce the oracles contract expects.
func (b *BoundClient) RoundNonce(ctx context.Context) (uint64, error) {

	nonce, err := b.callUint256(ctx, OraclesABI, b.contracts.Oracles, "currentNonce")
	if err != nil {
		return 0, err
	}

	return nonce.Uint64(), nil
}

// IsPaused reports whether on-chain voting is paused.
func (b *BoundClient) IsPaused(ctx context.Context) (bool, error) {

	results, err := b.callMethod(ctx, OraclesABI, b.contracts.Oracles, "paused")
	if err != nil {
		return false, err
	}

	paused, ok := results[0].(bool)
	if !ok {
		return false, errors.New("paused returned unexpected type")
	}

	return paused, nil
}

// LastMerkleProofs returns the content pointer of the previous round's
// claim set, empty before the first distribution.
func (b *BoundClient) LastMerkleProofs(ctx context.Context) (string, error) {

	results, err := b.callMethod(ctx, OraclesABI, b.contracts.Oracles, "lastMerkleProofs")
	if err != nil {
		return "", err
	}

	proofs, ok := results[0].(string)
	if !ok {
		return "", errors.New("lastMerkleProofs returned unexpected type")
	}

	return proofs, nil
}

// TotalDeposited returns the pool's cumulative staked principal in wei.
func (b *BoundClient) TotalDeposited(ctx context.Context) (*big.Int, error) {
	return b.callUint256(ctx, PoolABI, b.contracts.Pool, "totalDeposited")
}

// TotalDistributed returns the rewards already distributed to holders in wei.
func (b *BoundClient) TotalDistributed(ctx context.Context) (*big.Int, error) {
	return b.callUint256(ctx, PoolABI, b.contracts.Pool, "totalDistributed")
}

// RegisteredPublicKeys enumerates the pool's validator BLS public keys from
// the ValidatorRegistered event log.
func (b *BoundClient) RegisteredPublicKeys(ctx context.Context) ([][]byte, error) {

	logs, err := b.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{b.contracts.Pool},
		Topics:    [][]common.Hash{{ValidatorRegisteredTopic}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "Unable to filter ValidatorRegistered logs")
	}

	seen := make(map[string]struct{}, len(logs))
	keys := make([][]byte, 0, len(logs))

	for _, l := range logs {
		values, err := abi.Arguments{{Type: bytesType}}.Unpack(l.Data)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to unpack ValidatorRegistered log")
		}

		key, ok := values[0].([]byte)
		if !ok || len(key) == 0 {
			continue
		}

		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}

		keys = append(keys, key)
	}

	return keys, nil
}
