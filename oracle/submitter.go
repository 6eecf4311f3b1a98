package oracle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/rival-labs/rival-agent/rerrors"
)

const (
	// defaultGasLimit bounds a callAgent submission when the dry run fails.
	defaultGasLimit = 500_000

	// nativeTransferGasLimit is the fixed cost of a plain value transfer.
	nativeTransferGasLimit = 21_000

	callAgentSignature = "callAgent(uint256,string,string)"
	agentsSignature    = "agents(uint256)"

	// maxSubmitAttempts caps the underpriced-retry loop: one initial attempt
	// plus two escalations.
	maxSubmitAttempts    = 3
	underpricedRetryWait = time.Second
)

// submitter builds, signs, and broadcasts the paid oracle transactions.
type submitter struct {
	client   chainClient
	fees     *feeEstimator
	key      *ecdsa.PrivateKey
	from     ethcommon.Address
	contract ethcommon.Address
	nftID    uint64
	log      zerolog.Logger

	mu      sync.Mutex
	chainID *big.Int
}

func newSubmitter(
	client chainClient,
	fees *feeEstimator,
	key *ecdsa.PrivateKey,
	from ethcommon.Address,
	contract ethcommon.Address,
	nftID uint64,
	log zerolog.Logger,
) *submitter {
	return &submitter{
		client:   client,
		fees:     fees,
		key:      key,
		from:     from,
		contract: contract,
		nftID:    nftID,
		log:      log.With().Str("component", "submitter").Logger(),
	}
}

// Submit sends a callAgent transaction carrying the query and returns its
// hash. Underpriced rejections are retried with an escalated fee; any other
// failure aborts immediately.
func (s *submitter) Submit(ctx context.Context, query string) (string, error) {
	price := s.agentPrice(ctx)

	data, err := callAgentData(s.nftID, "", query)
	if err != nil {
		return "", rerrors.NewSubmissionError("failed to encode callAgent calldata", err)
	}

	gasLimit := s.estimateGasLimit(ctx, ethereum.CallMsg{
		From:  s.from,
		To:    &s.contract,
		Value: price,
		Data:  data,
	})

	return s.broadcast(ctx, func(nonce uint64, fee *big.Int) *types.Transaction {
		return types.NewTransaction(nonce, s.contract, price, gasLimit, fee, data)
	})
}

// SendNative transfers amount wei to the recipient, reusing the same fee and
// retry machinery as query submissions.
func (s *submitter) SendNative(ctx context.Context, to ethcommon.Address, amount *big.Int) (string, error) {
	return s.broadcast(ctx, func(nonce uint64, fee *big.Int) *types.Transaction {
		return types.NewTransaction(nonce, to, amount, nativeTransferGasLimit, fee, nil)
	})
}

// broadcast signs and sends the transaction produced by build, escalating the
// fee 1.5x (rounded up) on each underpriced rejection, at most two retries
// with a one second pause between attempts.
func (s *submitter) broadcast(ctx context.Context, build func(nonce uint64, fee *big.Int) *types.Transaction) (string, error) {
	chainID, err := s.resolveChainID(ctx)
	if err != nil {
		return "", rerrors.NewNetworkError("failed to resolve chain id", err)
	}
	signer := types.NewEIP155Signer(chainID)

	quote := s.fees.estimate(ctx)
	fee := new(big.Int).Set(quote.Price)

	var lastErr error
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		nonce, err := s.client.PendingNonceAt(ctx, s.from)
		if err != nil {
			return "", rerrors.NewNetworkError("failed to fetch account nonce", err)
		}

		signedTx, err := types.SignTx(build(nonce, new(big.Int).Set(fee)), signer, s.key)
		if err != nil {
			return "", rerrors.NewSubmissionError("failed to sign transaction", err)
		}

		if err := s.client.SendTransaction(ctx, signedTx); err != nil {
			if !rerrors.IsUnderpriced(err) {
				return "", rerrors.NewSubmissionError("transaction submission failed", err)
			}
			lastErr = err
			if attempt == maxSubmitAttempts {
				break
			}
			// Round up so two escalations always reach >= 2.25x.
			fee.Mul(fee, big.NewInt(3))
			fee.Add(fee, big.NewInt(1))
			fee.Div(fee, big.NewInt(2))
			s.log.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("fee_source", quote.Source).
				Str("next_fee_wei", fee.String()).
				Msg("transaction underpriced, escalating fee")
			select {
			case <-time.After(underpricedRetryWait):
			case <-ctx.Done():
				return "", rerrors.NewCancelledError("submission cancelled")
			}
			continue
		}

		txHash := signedTx.Hash().Hex()
		s.log.Info().
			Str("tx_hash", txHash).
			Uint64("nonce", nonce).
			Str("fee_wei", fee.String()).
			Str("fee_source", quote.Source).
			Int("attempt", attempt).
			Msg("transaction submitted")
		return txHash, nil
	}

	return "", rerrors.NewSubmissionError(
		fmt.Sprintf("transaction still underpriced after %d attempts", maxSubmitAttempts), lastErr)
}

// agentPrice reads the oracle's declared price for this agent id. The price
// sits at tuple field 4 of the agents(uint256) return data. Any failure
// defaults to zero, matching the contract's behavior for unpriced agents.
func (s *submitter) agentPrice(ctx context.Context) *big.Int {
	data, err := agentsCallData(s.nftID)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not encode agents call, defaulting price to 0")
		return big.NewInt(0)
	}

	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.contract, Data: data}, nil)
	if err != nil || len(out) < 160 {
		s.log.Warn().Err(err).Int("return_len", len(out)).Msg("could not fetch agent price, defaulting to 0")
		return big.NewInt(0)
	}

	price := new(big.Int).SetBytes(out[128:160])
	s.log.Info().Str("agent_price_wei", price.String()).Msg("fetched agent price")
	return price
}

// estimateGasLimit dry-runs the call and adds a 20% margin. When the node
// refuses to simulate, the fixed ceiling is used instead.
func (s *submitter) estimateGasLimit(ctx context.Context, msg ethereum.CallMsg) uint64 {
	gas, err := s.client.EstimateGas(ctx, msg)
	if err != nil {
		s.log.Warn().Err(err).Uint64("gas_limit", defaultGasLimit).Msg("gas estimation failed, using ceiling")
		return defaultGasLimit
	}
	return gas + gas/5
}

func (s *submitter) resolveChainID(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chainID != nil {
		return s.chainID, nil
	}
	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	s.chainID = chainID
	return chainID, nil
}

// callAgentData packs callAgent(uint256 nftId, string inputCidFile, string
// inputData) calldata. The CID file reference is unused and always empty.
func callAgentData(nftID uint64, inputCidFile, inputData string) ([]byte, error) {
	uint256Type, _ := abi.NewType("uint256", "", nil)
	stringType, _ := abi.NewType("string", "", nil)

	arguments := abi.Arguments{
		{Type: uint256Type}, // nftId
		{Type: stringType},  // inputCidFile
		{Type: stringType},  // inputData
	}
	encoded, err := arguments.Pack(new(big.Int).SetUint64(nftID), inputCidFile, inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to pack arguments: %w", err)
	}

	selector := crypto.Keccak256([]byte(callAgentSignature))[:4]
	return append(selector, encoded...), nil
}

func agentsCallData(nftID uint64) ([]byte, error) {
	uint256Type, _ := abi.NewType("uint256", "", nil)
	encoded, err := abi.Arguments{{Type: uint256Type}}.Pack(new(big.Int).SetUint64(nftID))
	if err != nil {
		return nil, fmt.Errorf("failed to pack arguments: %w", err)
	}
	selector := crypto.Keccak256([]byte(agentsSignature))[:4]
	return append(selector, encoded...), nil
}
