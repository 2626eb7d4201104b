package chainclient

import (
	"bytes"
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OracleRegistry is the externally-sourced oracle membership for one round:
// the authorized addresses and how many matching votes finalize a result.
type OracleRegistry struct {
	Oracles []common.Address
	Quorum  int
}

// HasOracle reports whether addr is an authorized oracle.
func (r *OracleRegistry) HasOracle(addr common.Address) bool {
	for _, oracle := range r.Oracles {
		if oracle == addr {
			return true
		}
	}

	return false
}

// RegistryResolver resolves the authorized oracle set and the quorum
// threshold from the on-chain oracles contract.
type RegistryResolver struct {
	client *BoundClient

	// quorumOverride, when > 0, replaces the contract-configured threshold.
	// 0 falls back to the contract value, or strict majority if the
	// contract does not expose one.
	quorumOverride int
}

func NewRegistryResolver(client *BoundClient, quorumOverride int) *RegistryResolver {
	return &RegistryResolver{
		client:         client,
		quorumOverride: quorumOverride,
	}
}

// Resolve reads the current oracle role members and quorum threshold.
// The returned address list is sorted ascending.
func (r *RegistryResolver) Resolve(ctx context.Context) (*OracleRegistry, error) {

	count, err := r.client.callUint256(ctx, OraclesABI, r.client.contracts.Oracles, "getRoleMemberCount", OracleRole)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to read oracle member count")
	}

	total := int(count.Int64())
	if total == 0 {
		return nil, errors.New("Oracle registry is empty")
	}

	oracles := make([]common.Address, 0, total)

	for i := 0; i < total; i++ {
		data, err := OraclesABI.Pack("getRoleMember", OracleRole, big.NewInt(int64(i)))
		if err != nil {
			return nil, errors.Wrap(err, "Unable to pack getRoleMember")
		}

		out, err := r.client.Call(ctx, r.client.contracts.Oracles, data)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to read oracle member")
		}

		results, err := OraclesABI.Unpack("getRoleMember", out)
		if err != nil {
			return nil, errors.Wrap(err, "Unable to unpack getRoleMember")
		}

		addr, ok := results[0].(common.Address)
		if !ok {
			return nil, errors.New("getRoleMember returned unexpected type")
		}

		oracles = append(oracles, addr)
	}

	sort.Slice(oracles, func(i, j int) bool {
		return bytes.Compare(oracles[i].Bytes(), oracles[j].Bytes()) < 0
	})

	quorum := r.quorumOverride
	if quorum <= 0 {
		// Older registry deployments do not expose a threshold; fall
		// back to strict majority.
		threshold, err := r.client.callUint256(ctx, OraclesABI, r.client.contracts.Oracles, "quorumThreshold")
		if err != nil || threshold.Sign() == 0 {
			quorum = strictMajority(total)
		} else {
			quorum = int(threshold.Int64())
		}
	}

	if quorum > total {
		return nil, errors.Errorf("Quorum %d exceeds registry size %d", quorum, total)
	}

	log.WithFields(log.Fields{
		"Oracles": total, "Quorum": quorum,
	}).Debug("Resolved oracle registry")

	return &OracleRegistry{Oracles: oracles, Quorum: quorum}, nil
}

func strictMajority(total int) int {
	return total/2 + 1
}
