package chainclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEpochAt(t *testing.T) {

	cc := &ConsensusClient{
		GenesisTime:   time.Unix(1606824023, 0), // mainnet beacon genesis
		SlotsPerEpoch: 32,
		SlotDuration:  12 * time.Second,
	}

	assert.Equal(t, uint64(0), cc.EpochAt(0))
	assert.Equal(t, uint64(0), cc.EpochAt(1606824023))
	assert.Equal(t, uint64(0), cc.EpochAt(1606824023+383))
	assert.Equal(t, uint64(1), cc.EpochAt(1606824023+384))
	assert.Equal(t, uint64(100), cc.EpochAt(1606824023+100*384))
}
