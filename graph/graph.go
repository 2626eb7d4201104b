// Package graph queries the balance-indexing subgraph for the holder
// snapshot a distribution is allocated over. The indexer itself is an
// external collaborator; this client only asks one question of it.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stakewise/oracle/distributor"
	"github.com/stakewise/oracle/retry"
	"github.com/stakewise/oracle/rewards"
)

const holdersQuery = `{
  stakers(first: 1000, skip: %d, block: {number: %d}, where: {balance_gt: "0"}, orderBy: id, orderDirection: asc) {
    id
    balance
  }
}`

const anchorQuery = `{
  rewardEthTokens(first: 1) {
    updatedAtTimestamp
    updatedAtBlock
  }
}`

type Client struct {
	endpoint    string
	httpClient  *http.Client
	retryPolicy retry.Policy
}

func NewClient(endpoint string, policy retry.Policy) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryPolicy: policy,
	}
}

// BalanceSnapshot pages through all positive holder balances as of
// blockNumber. Total supply is the exact sum of the returned balances so
// a proportional allocation over the snapshot is conserving.
func (c *Client) BalanceSnapshot(ctx context.Context, blockNumber uint64) (distributor.BalanceSnapshot, error) {

	snapshot := distributor.BalanceSnapshot{
		Balances:    make(map[common.Address]*big.Int),
		TotalSupply: new(big.Int),
	}

	for skip := 0; ; skip += 1000 {

		stakers, err := c.queryPage(ctx, skip, blockNumber)
		if err != nil {
			return distributor.BalanceSnapshot{}, err
		}

		for _, staker := range stakers {
			balance, ok := new(big.Int).SetString(staker.Balance, 10)
			if !ok {
				return distributor.BalanceSnapshot{}, errors.Errorf("Invalid balance %q for %s", staker.Balance, staker.ID)
			}

			if balance.Sign() <= 0 {
				continue
			}

			account := common.HexToAddress(staker.ID)
			snapshot.Balances[account] = balance
			snapshot.TotalSupply.Add(snapshot.TotalSupply, balance)
		}

		if len(stakers) < 1000 {
			break
		}
	}

	log.WithFields(log.Fields{
		"Block": blockNumber, "Holders": len(snapshot.Balances), "TotalSupply": snapshot.TotalSupply,
	}).Debug("Fetched balance snapshot")

	return snapshot, nil
}

// SyncAnchor returns the timestamp and block number of the last on-chain
// rewards update. Both only change when a round finalizes, so every oracle
// polling during one round reads identical values.
func (c *Client) SyncAnchor(ctx context.Context) (*rewards.SyncAnchor, error) {

	reqBody, err := json.Marshal(map[string]string{"query": anchorQuery})
	if err != nil {
		return nil, errors.Wrap(err, "Unable to marshal query")
	}

	var anchor *rewards.SyncAnchor

	err = c.retryPolicy.Do(ctx, "subgraph anchor", func() error {

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return errors.Wrap(err, "Unable to build subgraph request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("Subgraph returned status %d", resp.StatusCode)
		}

		var result struct {
			Data struct {
				RewardEthTokens []struct {
					UpdatedAtTimestamp string `json:"updatedAtTimestamp"`
					UpdatedAtBlock     string `json:"updatedAtBlock"`
				} `json:"rewardEthTokens"`
			} `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return errors.Wrap(err, "Unable to decode subgraph response")
		}

		if len(result.Errors) > 0 {
			return errors.Errorf("Subgraph error: %s", result.Errors[0].Message)
		}

		if len(result.Data.RewardEthTokens) == 0 {
			return errors.New("Subgraph has no rewards update record")
		}

		entry := result.Data.RewardEthTokens[0]

		timestamp, err := strconv.ParseUint(entry.UpdatedAtTimestamp, 10, 64)
		if err != nil {
			return errors.Errorf("Invalid update timestamp %q", entry.UpdatedAtTimestamp)
		}

		blockNumber, err := strconv.ParseUint(entry.UpdatedAtBlock, 10, 64)
		if err != nil {
			return errors.Errorf("Invalid update block %q", entry.UpdatedAtBlock)
		}

		anchor = &rewards.SyncAnchor{Timestamp: timestamp, BlockNumber: blockNumber}

		return nil
	})

	return anchor, err
}

type staker struct {
	ID      string `json:"id"`
	Balance string `json:"balance"`
}

func (c *Client) queryPage(ctx context.Context, skip int, blockNumber uint64) ([]staker, error) {

	reqBody, err := json.Marshal(map[string]string{
		"query": fmt.Sprintf(holdersQuery, skip, blockNumber),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Unable to marshal query")
	}

	var stakers []staker

	err = c.retryPolicy.Do(ctx, "subgraph query", func() error {

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return errors.Wrap(err, "Unable to build subgraph request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("Subgraph returned status %d", resp.StatusCode)
		}

		var result struct {
			Data struct {
				Stakers []staker `json:"stakers"`
			} `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return errors.Wrap(err, "Unable to decode subgraph response")
		}

		if len(result.Errors) > 0 {
			return errors.Errorf("Subgraph error: %s", result.Errors[0].Message)
		}

		stakers = result.Data.Stakers

		return nil
	})

	return stakers, err
}
