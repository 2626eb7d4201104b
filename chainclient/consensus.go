package chainclient

import (
	"context"
	"math/big"
	"strconv"
	"time"

	eth2client "github.com/attestantio/go-eth2-client"
	eth2api "github.com/attestantio/go-eth2-client/api"
	eth2v1 "github.com/attestantio/go-eth2-client/api/v1"
	eth2http "github.com/attestantio/go-eth2-client/http"
	eth2p0 "github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/retry"
)

var gweiInWei = big.NewInt(1e9)

// ConsensusClient reads finalized validator data from a beacon node.
type ConsensusClient struct {
	service     eth2client.Service
	retryPolicy retry.Policy

	GenesisTime   time.Time
	SlotsPerEpoch uint64
	SlotDuration  time.Duration
}

func NewConsensusClient(ctx context.Context, endpoint string, policy retry.Policy) (*ConsensusClient, error) {

	service, err := eth2http.New(ctx,
		eth2http.WithAddress(endpoint),
		eth2http.WithLogLevel(1), // zerolog.InfoLevel
		eth2http.WithTimeout(time.Minute),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to connect to beacon node")
	}

	cc := &ConsensusClient{
		service:     service,
		retryPolicy: policy,
	}

	if err := cc.loadChainConfig(ctx); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"SlotsPerEpoch": cc.SlotsPerEpoch, "SlotDuration": cc.SlotDuration,
	}).Info("Connected to consensus layer")

	return cc, nil
}

func (cc *ConsensusClient) loadChainConfig(ctx context.Context) error {

	genesisProvider, ok := cc.service.(eth2client.GenesisProvider)
	if !ok {
		return errors.New("Beacon node does not expose genesis")
	}

	genesis, err := genesisProvider.Genesis(ctx, &eth2api.GenesisOpts{})
	if err != nil {
		return errors.Wrap(err, "Unable to fetch genesis")
	}
	cc.GenesisTime = genesis.Data.GenesisTime

	specProvider, ok := cc.service.(eth2client.SpecProvider)
	if !ok {
		return errors.New("Beacon node does not expose spec")
	}

	spec, err := specProvider.Spec(ctx, &eth2api.SpecOpts{})
	if err != nil {
		return errors.Wrap(err, "Unable to fetch chain spec")
	}

	slotDuration, ok := spec.Data["SECONDS_PER_SLOT"].(time.Duration)
	if !ok {
		return errors.New("Missing SECONDS_PER_SLOT in chain spec")
	}

	slotsPerEpoch, ok := spec.Data["SLOTS_PER_EPOCH"].(uint64)
	if !ok {
		return errors.New("Missing SLOTS_PER_EPOCH in chain spec")
	}

	cc.SlotDuration = slotDuration
	cc.SlotsPerEpoch = slotsPerEpoch

	return nil
}

// EpochAt maps a unix timestamp onto the beacon chain epoch containing it.
func (cc *ConsensusClient) EpochAt(timestamp uint64) uint64 {

	genesis := uint64(cc.GenesisTime.Unix())
	if timestamp <= genesis {
		return 0
	}

	secondsPerEpoch := uint64(cc.SlotDuration/time.Second) * cc.SlotsPerEpoch

	return (timestamp - genesis) / secondsPerEpoch
}

// FinalizedEpoch returns the highest finalized epoch known to the node.
func (cc *ConsensusClient) FinalizedEpoch(ctx context.Context) (uint64, error) {

	provider, ok := cc.service.(eth2client.FinalityProvider)
	if !ok {
		return 0, errors.New("Beacon node does not expose finality")
	}

	var epoch uint64

	err := cc.retryPolicy.Do(ctx, "beacon finality", func() error {
		finality, err := provider.Finality(ctx, &eth2api.FinalityOpts{State: "head"})
		if err != nil {
			return err
		}

		epoch = uint64(finality.Data.Finalized.Epoch)

		return nil
	})

	return epoch, err
}

// ValidatorBalances fetches the given validators at the first slot of epoch
// and returns the summed balance in wei of non-pending validators together
// with the count of activated ones. The epoch must already be finalized.
func (cc *ConsensusClient) ValidatorBalances(ctx context.Context, epoch uint64, publicKeys [][]byte) (*big.Int, int, error) {

	provider, ok := cc.service.(eth2client.ValidatorsProvider)
	if !ok {
		return nil, 0, errors.New("Beacon node does not expose validators")
	}

	pubKeys := make([]eth2p0.BLSPubKey, 0, len(publicKeys))
	for _, key := range publicKeys {
		if len(key) != len(eth2p0.BLSPubKey{}) {
			return nil, 0, errors.Errorf("Invalid BLS public key length %d", len(key))
		}

		var pk eth2p0.BLSPubKey
		copy(pk[:], key)
		pubKeys = append(pubKeys, pk)
	}

	stateID := strconv.FormatUint(epoch*cc.SlotsPerEpoch, 10)

	var (
		totalWei  = new(big.Int)
		activated int
	)

	err := cc.retryPolicy.Do(ctx, "beacon validators", func() error {
		resp, err := provider.Validators(ctx, &eth2api.ValidatorsOpts{
			State:   stateID,
			PubKeys: pubKeys,
		})
		if err != nil {
			return err
		}

		totalWei.SetInt64(0)
		activated = 0

		for _, val := range resp.Data {
			if val == nil || isPending(val.Status) {
				continue
			}

			balance := new(big.Int).SetUint64(uint64(val.Balance))
			totalWei.Add(totalWei, balance.Mul(balance, gweiInWei))
			activated++
		}

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return totalWei, activated, nil
}

func isPending(state eth2v1.ValidatorState) bool {
	switch state {
	case eth2v1.ValidatorStateUnknown,
		eth2v1.ValidatorStatePendingInitialized,
		eth2v1.ValidatorStatePendingQueued:
		return true
	default:
		return false
	}
}
