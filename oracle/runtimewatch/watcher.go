// Package runtimewatch observes oracle results as runtime events on a
// CometBFT-based ledger. Instead of contract logs, the node's WASM runtime
// emits a NodeOutputReceived event once validators agree on an output; the
// watcher polls block results and resolves the answer for a request id.
package runtimewatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	abci "github.com/cometbft/cometbft/abci/types"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	"github.com/rs/zerolog"

	"github.com/rival-labs/rival-agent/rerrors"
)

// EventTypeNodeOutputReceived is the runtime event carrying an oracle output.
const EventTypeNodeOutputReceived = "NodeOutputReceived"

// NodeOutputReceived attribute keys.
const (
	AttrKeyRequestID  = "request_id"
	AttrKeyOutputData = "output_data"
	AttrKeyAccountID  = "account_id"
)

// Parser errors.
var (
	ErrMissingRequestID  = errors.New("missing required attribute: request_id")
	ErrMissingOutputData = errors.New("missing required attribute: output_data")
	ErrInvalidRequestID  = errors.New("invalid request_id format")
	ErrInvalidOutputData = errors.New("invalid output_data format")
)

// startLookback is how many blocks the first scan window reaches back, so a
// result landing between acceptance and the start of the watch is not missed.
const startLookback = 10

// Client is the runtime RPC access the watcher needs.
type Client interface {
	Status(ctx context.Context) (*coretypes.ResultStatus, error)
	BlockResults(ctx context.Context, height *int64) (*coretypes.ResultBlockResults, error)
}

var _ Client = (*rpchttp.HTTP)(nil)

// nodeOutput is a NodeOutputReceived event decoded into fixed fields.
// Attribute maps do not travel past the parse boundary.
type nodeOutput struct {
	RequestID uint64
	Output    string
	AccountID string
}

// Watcher polls runtime block results for NodeOutputReceived events.
type Watcher struct {
	client  Client
	account string
	poll    time.Duration
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a runtime-backed result watcher. account, when non-empty,
// restricts matches to outputs attributed to that runtime account.
func New(client Client, account string, poll, timeout time.Duration, log zerolog.Logger) *Watcher {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Watcher{
		client:  client,
		account: account,
		poll:    poll,
		timeout: timeout,
		log:     log.With().Str("component", "runtime_result_watcher").Logger(),
	}
}

// WaitForResult blocks until a NodeOutputReceived event for the request id
// appears, the timeout elapses, or the context is cancelled. The runtime
// backend keys results by request id alone, so the oracle id parameter is
// accepted for interface parity and ignored.
func (w *Watcher) WaitForResult(ctx context.Context, requestID, _ uint64) (string, error) {
	deadline := time.Now().Add(w.timeout)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	currentHeight, err := w.latestHeight(ctx)
	if err != nil {
		return "", rerrors.NewRPCError("failed to get latest height", err)
	}
	if currentHeight > startLookback {
		currentHeight -= startLookback
	} else {
		currentHeight = 1
	}

	for {
		latestHeight, err := w.latestHeight(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("failed to get latest height")
		} else {
			for currentHeight <= latestHeight {
				output, found, err := w.scanBlock(ctx, currentHeight, requestID)
				if err != nil {
					w.log.Error().
						Err(err).
						Int64("height", currentHeight).
						Msg("failed to scan block results")
					break
				}
				if found {
					return output, nil
				}
				currentHeight++
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

func (w *Watcher) latestHeight(ctx context.Context) (int64, error) {
	status, err := w.client.Status(ctx)
	if err != nil {
		return 0, err
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

// scanBlock inspects one block's transaction events and finalize-block
// events for a matching output.
func (w *Watcher) scanBlock(ctx context.Context, height int64, requestID uint64) (string, bool, error) {
	results, err := w.client.BlockResults(ctx, &height)
	if err != nil {
		return "", false, err
	}

	for _, txResult := range results.TxsResults {
		if txResult == nil {
			continue
		}
		if output, found := w.matchEvents(txResult.Events, requestID, height); found {
			return output, true, nil
		}
	}
	if output, found := w.matchEvents(results.FinalizeBlockEvents, requestID, height); found {
		return output, true, nil
	}
	return "", false, nil
}

func (w *Watcher) matchEvents(events []abci.Event, requestID uint64, height int64) (string, bool) {
	for _, event := range events {
		if event.Type != EventTypeNodeOutputReceived {
			continue
		}

		parsed, err := parseNodeOutput(event)
		if err != nil {
			w.log.Warn().
				Err(err).
				Int64("height", height).
				Msg("failed to parse result event")
			continue
		}

		if parsed.RequestID != requestID {
			continue
		}
		if w.account != "" && parsed.AccountID != w.account {
			continue
		}

		w.log.Info().
			Uint64("request_id", requestID).
			Int64("height", height).
			Msg("result event received")
		return parsed.Output, true
	}
	return "", false
}

// parseNodeOutput decodes a NodeOutputReceived event.
func parseNodeOutput(event abci.Event) (*nodeOutput, error) {
	attrs := extractAttributes(event)

	requestIDStr, ok := attrs[AttrKeyRequestID]
	if !ok {
		return nil, ErrMissingRequestID
	}
	requestID, err := strconv.ParseUint(requestIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequestID, err)
	}

	outputHex, ok := attrs[AttrKeyOutputData]
	if !ok {
		return nil, ErrMissingOutputData
	}
	output, err := decodeOutputData(outputHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutputData, err)
	}

	return &nodeOutput{
		RequestID: requestID,
		Output:    output,
		AccountID: attrs[AttrKeyAccountID],
	}, nil
}

// decodeOutputData converts the hex-encoded output attribute to text. Valid
// UTF-8 becomes the result string directly; anything else stays hex.
func decodeOutputData(value string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(value, "0x"))
	if err != nil {
		return "", err
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	return hex.EncodeToString(raw), nil
}

// extractAttributes flattens an ABCI event's attributes into a map.
func extractAttributes(event abci.Event) map[string]string {
	attrs := make(map[string]string, len(event.Attributes))
	for _, attr := range event.Attributes {
		attrs[attr.Key] = attr.Value
	}
	return attrs
}
