package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rival-labs/rival-agent/rerrors"
)

// ResultWatcher waits for the oracle's answer to a specific request to land
// on the ledger. The two backends (contract logs, runtime events) implement
// the same contract; the provider selects one at construction.
type ResultWatcher interface {
	WaitForResult(ctx context.Context, requestID, agentID uint64) (string, error)
}

// requestSentTopic identifies the acceptance event
// RequestSent(address indexed sender, uint256 indexed requestId,
// bytes indexed inputUri, uint256 nftId).
var requestSentTopic = crypto.Keccak256Hash([]byte("RequestSent(address,uint256,bytes,uint256)"))

// waitForReceipt polls until the submission is mined and returns the block
// it landed in. A reverted transaction is terminal for the request. Mock
// submissions are confirmed immediately.
func (p *Provider) waitForReceipt(ctx context.Context, txHash string) (uint64, error) {
	if p.mockMode {
		return 0, nil
	}
	if p.client == nil {
		return 0, rerrors.NewNetworkError("not connected to ledger", nil)
	}

	deadline := time.Now().Add(p.opts.ReceiptTimeout)
	ticker := time.NewTicker(p.opts.ReceiptPoll)
	defer ticker.Stop()

	hash := ethcommon.HexToHash(txHash)
	for {
		receipt, err := p.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return 0, rerrors.NewConfirmationError("transaction reverted on chain")
			}
			block := receipt.BlockNumber.Uint64()
			p.log.Info().Str("tx_hash", shortHash(txHash)).Uint64("block", block).Msg("transaction confirmed")
			return block, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			p.log.Warn().Err(err).Str("tx_hash", shortHash(txHash)).Msg("receipt poll failed")
		}

		if time.Now().After(deadline) {
			return 0, rerrors.NewTimeoutError(fmt.Sprintf("transaction not mined within %s", p.opts.ReceiptTimeout))
		}
		select {
		case <-ctx.Done():
			return 0, rerrors.NewCancelledError("receipt wait cancelled")
		case <-p.stop:
			return 0, rerrors.NewCancelledError("provider closed")
		case <-ticker.C:
		}
	}
}

// waitForAccepted waits for the acceptance event of a submission and returns
// the numeric request id the ledger assigned. A timeout is (0, false), not
// an error; the caller decides how to surface it. A removed registry entry
// (cancellation) also ends the wait.
func (p *Provider) waitForAccepted(ctx context.Context, txHash string, fromBlock uint64) (uint64, bool) {
	deadline := time.Now().Add(p.opts.AcceptanceTimeout)
	ticker := time.NewTicker(p.opts.AcceptancePoll)
	defer ticker.Stop()

	for {
		entry, ok := p.registry.Get(txHash)
		if !ok {
			return 0, false // cancelled; stop silently
		}
		if entry.RequestID != 0 {
			return entry.RequestID, true // the mock scheduler already recorded it
		}

		if !p.mockMode && p.client != nil {
			if id, found := p.scanForAcceptance(ctx, txHash, fromBlock); found {
				return id, true
			}
		}

		if time.Now().After(deadline) {
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-p.stop:
			return 0, false
		case <-ticker.C:
		}
	}
}

// scanForAcceptance filters RequestSent logs from the submission block to the
// chain head and matches them by originating transaction hash. The request
// id sits in the second indexed topic.
func (p *Provider) scanForAcceptance(ctx context.Context, txHash string, fromBlock uint64) (uint64, bool) {
	latest, err := p.client.BlockNumber(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to read chain head during acceptance wait")
		return 0, false
	}
	if latest < fromBlock {
		return 0, false
	}

	logs, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []ethcommon.Address{p.contract},
		Topics:    [][]ethcommon.Hash{{requestSentTopic}},
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to filter acceptance events")
		return 0, false
	}

	want := ethcommon.HexToHash(txHash)
	for _, lg := range logs {
		if lg.TxHash != want {
			continue
		}
		if len(lg.Topics) < 3 {
			p.log.Warn().Str("tx_hash", shortHash(txHash)).Int("topics", len(lg.Topics)).Msg("malformed acceptance event, skipping")
			continue
		}
		requestID := new(big.Int).SetBytes(lg.Topics[2].Bytes()).Uint64()
		p.log.Info().
			Str("tx_hash", shortHash(txHash)).
			Uint64("request_id", requestID).
			Uint64("block", lg.BlockNumber).
			Msg("request accepted")
		return requestID, true
	}
	return 0, false
}

// waitForMockResult polls the registry until the mock scheduler resolves the
// entry. Cancellation (entry removed) ends the wait without a result.
func (p *Provider) waitForMockResult(ctx context.Context, txHash string) (string, error) {
	deadline := time.Now().Add(p.opts.ResultTimeout)
	ticker := time.NewTicker(p.opts.ResultPoll)
	defer ticker.Stop()

	for {
		entry, ok := p.registry.Get(txHash)
		if !ok {
			return "", rerrors.NewCancelledError("request cancelled")
		}
		switch entry.Status {
		case StatusCompleted:
			return entry.Response, nil
		case StatusFailed:
			return "", rerrors.New(rerrors.CodeConfirmation, "request failed: "+entry.Err, nil)
		}

		if time.Now().After(deadline) {
			return "", rerrors.NewTimeoutError(fmt.Sprintf("no result received within %s", p.opts.ResultTimeout))
		}
		select {
		case <-ctx.Done():
			return "", rerrors.NewCancelledError("result wait cancelled")
		case <-p.stop:
			return "", rerrors.NewCancelledError("provider closed")
		case <-ticker.C:
		}
	}
}

// waitForLiveResult delegates to the configured backend watcher, folding
// registry removal (cancellation) into context cancellation so the watcher
// stops on its next poll instead of running out its full timeout.
func (p *Provider) waitForLiveResult(ctx context.Context, txHash string, requestID uint64) (string, error) {
	if p.watcher == nil {
		return "", rerrors.NewNetworkError("result watcher unavailable", nil)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(p.opts.AcceptancePoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-watchCtx.Done():
				return
			case <-p.stop:
				cancel()
				return
			case <-ticker.C:
				if _, ok := p.registry.Get(txHash); !ok {
					cancel()
					return
				}
			}
		}
	}()

	response, err := p.watcher.WaitForResult(watchCtx, requestID, p.opts.NFTID)
	if err != nil {
		if _, ok := p.registry.Get(txHash); !ok {
			return "", rerrors.NewCancelledError("request cancelled")
		}
		return "", err
	}
	return response, nil
}
