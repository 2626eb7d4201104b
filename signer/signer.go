// Package signer holds the oracle's pre-provisioned signing key and produces
// the EIP-191 signatures carried by votes. Key custody beyond reading a
// keystore file or environment variable is out of scope.
package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// FromHex loads a signer from a raw hex-encoded secp256k1 private key.
func FromHex(hexKey string) (*Signer, error) {

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to parse private key")
	}

	return newSigner(key), nil
}

// FromKeystore loads a signer from a go-ethereum JSON keystore file.
func FromKeystore(path, password string) (*Signer, error) {

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to read keystore file")
	}

	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to decrypt keystore")
	}

	return newSigner(key.PrivateKey), nil
}

func newSigner(key *ecdsa.PrivateKey) *Signer {

	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}

	log.WithField("Address", s.address.Hex()).Info("Loaded oracle signing key")

	return s
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignCandidate signs the candidate id (the keccak256 of a vote's canonical
// encoding) under the EIP-191 personal-message scheme, which is what the
// on-chain verifier recovers against.
func (s *Signer) SignCandidate(candidateID []byte) ([]byte, error) {

	sig, err := crypto.Sign(accounts.TextHash(candidateID), s.key)
	if err != nil {
		return nil, errors.Wrap(err, "Unable to sign candidate")
	}

	// Shift V to the 27/28 convention expected on-chain.
	sig[crypto.RecoveryIDOffset] += 27

	return sig, nil
}

// SignTx signs a transaction for the given chain.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// BalanceStatus is the outcome of a signer balance check.
type BalanceStatus int

const (
	BalanceOk BalanceStatus = iota
	BalanceWarning
	BalanceCritical
)

// BalanceReader is any source of an account's spendable wei balance.
type BalanceReader interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
}

// CheckBalance classifies the signer's balance against the configured
// thresholds. A critical result must stop the process: running a round
// without gas money risks failing mid-submission.
func (s *Signer) CheckBalance(ctx context.Context, reader BalanceReader, warning, critical *big.Int) (BalanceStatus, *big.Int, error) {

	balance, err := reader.BalanceAt(ctx, s.address)
	if err != nil {
		return BalanceOk, nil, errors.Wrap(err, "Unable to read signer balance")
	}

	switch {
	case critical != nil && balance.Cmp(critical) < 0:
		return BalanceCritical, balance, nil
	case warning != nil && balance.Cmp(warning) < 0:
		return BalanceWarning, balance, nil
	default:
		return BalanceOk, balance, nil
	}
}
