package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := InitStorage(t.TempDir(), "testnet")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func TestPublishedVotes(t *testing.T) {

	s := testStorage(t)

	candidateID := []byte{0x01, 0x02, 0x03}

	published, err := s.HasPublishedVote(4, candidateID)
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, s.RecordPublishedVote(4, candidateID))

	published, err = s.HasPublishedVote(4, candidateID)
	require.NoError(t, err)
	assert.True(t, published)

	// Same nonce, different content: not the vote we published.
	published, err = s.HasPublishedVote(4, []byte{0xff})
	require.NoError(t, err)
	assert.False(t, published)

	watermark, err := s.GetVotingWatermark()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), watermark)
}

func TestFinalizedNonceRoundTrip(t *testing.T) {

	s := testStorage(t)

	nonce, err := s.GetFinalizedNonce()
	require.NoError(t, err)
	assert.Zero(t, nonce)

	require.NoError(t, s.RecordFinalizedNonce(12))

	nonce, err = s.GetFinalizedNonce()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), nonce)
}

func TestLastVoteTimestamp(t *testing.T) {

	s := testStorage(t)

	require.NoError(t, s.RecordLastVoteTimestamp(1700000000))

	ts, err := s.GetLastVoteTimestamp()
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000), ts)
}

func TestNotifiersConfig(t *testing.T) {

	s := testStorage(t)

	config, err := s.GetNotifiersConfig("telegram")
	require.NoError(t, err)
	assert.Nil(t, config)

	require.NoError(t, s.SaveNotifiersConfig("telegram", []byte(`{"enabled":true}`)))

	config, err = s.GetNotifiersConfig("telegram")
	require.NoError(t, err)
	assert.JSONEq(t, `{"enabled":true}`, string(config))
}
