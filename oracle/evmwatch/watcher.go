// Package evmwatch observes oracle results as contract logs on an EVM
// ledger. It polls for AgentResult events and resolves the answer for a
// specific request id.
package evmwatch

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/rival-labs/rival-agent/rerrors"
)

// agentResultSignature is the result event emitted by the oracle contract.
// The signature hash is the same whether or not the output parameter is
// indexed, so one topic filter covers both contract revisions.
const agentResultSignature = "AgentResult(uint256,bytes,uint256,uint256,uint256)"

var agentResultTopic = crypto.Keccak256Hash([]byte(agentResultSignature))

// startLookback is how many blocks the first scan window reaches back.
// A result can land while the acceptance scan is still returning, so the
// watcher never starts exactly at the current head.
const startLookback = 10

// Client is the log access the watcher needs from an EVM endpoint.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

var _ Client = (*ethclient.Client)(nil)

// Watcher polls an oracle contract for AgentResult events.
type Watcher struct {
	client   Client
	contract ethcommon.Address
	poll     time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

// New creates a log-backed result watcher.
func New(client Client, contract ethcommon.Address, poll, timeout time.Duration, log zerolog.Logger) *Watcher {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Watcher{
		client:   client,
		contract: contract,
		poll:     poll,
		timeout:  timeout,
		log:      log.With().Str("component", "evm_result_watcher").Logger(),
	}
}

// WaitForResult blocks until an AgentResult event for the request id and
// oracle id appears, the timeout elapses, or the context is cancelled.
func (w *Watcher) WaitForResult(ctx context.Context, requestID, agentID uint64) (string, error) {
	deadline := time.Now().Add(w.timeout)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return "", rerrors.NewRPCError("failed to get latest block", err)
	}
	if currentBlock > startLookback {
		currentBlock -= startLookback
	} else {
		currentBlock = 0
	}

	for {
		latestBlock, err := w.client.BlockNumber(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("failed to get latest block")
		} else if currentBlock <= latestBlock {
			output, found, err := w.scanRange(ctx, currentBlock, latestBlock, requestID, agentID)
			if err != nil {
				w.log.Error().
					Err(err).
					Uint64("from_block", currentBlock).
					Uint64("to_block", latestBlock).
					Msg("failed to scan block range")
			} else {
				if found {
					return output, nil
				}
				currentBlock = latestBlock + 1
			}
		}

		if time.Now().After(deadline) {
			return "", rerrors.NewTimeoutError(fmt.Sprintf("no result received within %s", w.timeout))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", rerrors.New(rerrors.CodeCancelled, "result watch cancelled", ctx.Err())
		}
	}
}

// scanRange filters one block window for a matching result event.
func (w *Watcher) scanRange(ctx context.Context, fromBlock, toBlock, requestID, agentID uint64) (string, bool, error) {
	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []ethcommon.Address{w.contract},
		Topics:    [][]ethcommon.Hash{{agentResultTopic}},
	})
	if err != nil {
		return "", false, err
	}

	if len(logs) > 0 {
		w.log.Debug().
			Uint64("from_block", fromBlock).
			Uint64("to_block", toBlock).
			Int("logs_found", len(logs)).
			Msg("found result events")
	}

	for i := range logs {
		output, ok, err := parseResultEvent(&logs[i], requestID, agentID)
		if err != nil {
			w.log.Warn().
				Err(err).
				Str("tx_hash", logs[i].TxHash.Hex()).
				Msg("failed to parse result event")
			continue
		}
		if ok {
			w.log.Info().
				Uint64("request_id", requestID).
				Uint64("block", logs[i].BlockNumber).
				Msg("result event received")
			return output, true, nil
		}
	}
	return "", false, nil
}

var (
	bytesType, _   = abi.NewType("bytes", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
)

// resultDataArgs is the non-indexed layout used when the contract does not
// index the output: (bytes output, uint256 validationCount, uint256
// totalValidator).
var resultDataArgs = abi.Arguments{
	{Type: bytesType},
	{Type: uint256Type},
	{Type: uint256Type},
}

// parseResultEvent matches one log against the expected request and oracle
// ids and extracts the output text. Two topic layouts exist: with the output
// indexed only its hash is on the log, without it the full bytes are in the
// data section.
func parseResultEvent(lg *types.Log, requestID, agentID uint64) (string, bool, error) {
	var eventRequestID, eventAgentID *big.Int
	var output []byte

	switch len(lg.Topics) {
	case 4:
		eventRequestID = new(big.Int).SetBytes(lg.Topics[1].Bytes())
		eventAgentID = new(big.Int).SetBytes(lg.Topics[3].Bytes())
		output = lg.Topics[2].Bytes()
	case 3:
		eventRequestID = new(big.Int).SetBytes(lg.Topics[1].Bytes())
		eventAgentID = new(big.Int).SetBytes(lg.Topics[2].Bytes())
		values, err := resultDataArgs.Unpack(lg.Data)
		if err != nil {
			return "", false, fmt.Errorf("failed to unpack result data: %w", err)
		}
		raw, ok := values[0].([]byte)
		if !ok {
			return "", false, fmt.Errorf("unexpected output type %T", values[0])
		}
		output = raw
	default:
		return "", false, fmt.Errorf("unexpected topic count %d", len(lg.Topics))
	}

	if !eventRequestID.IsUint64() || eventRequestID.Uint64() != requestID {
		return "", false, nil
	}
	if !eventAgentID.IsUint64() || eventAgentID.Uint64() != agentID {
		return "", false, nil
	}
	return decodeOutput(output), true, nil
}

// decodeOutput renders the raw output bytes as text when they are valid
// UTF-8 and as hex otherwise.
func decodeOutput(output []byte) string {
	if utf8.Valid(output) {
		return string(output)
	}
	return hex.EncodeToString(output)
}
