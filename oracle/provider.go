// Package oracle implements the transaction-event correlation layer: queries
// are submitted to a compute oracle as paid ledger transactions and the
// answers are observed asynchronously as ledger events, matched back to the
// originating submission. Without a signing key the whole exchange is
// simulated locally on timers, so callers cannot tell the two modes apart.
package oracle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/rival-labs/rival-agent/db"
	"github.com/rival-labs/rival-agent/oracle/evmwatch"
	"github.com/rival-labs/rival-agent/oracle/runtimewatch"
	"github.com/rival-labs/rival-agent/rerrors"
	"github.com/rival-labs/rival-agent/store"
)

// DefaultContractAddress is the oracle contract queries are sent to unless
// configured otherwise.
const DefaultContractAddress = "0x609a8aeeef8b89be02c5b59a936a520547252824"

// DefaultNFTID is the numeric oracle id the contract knows the agent by.
const DefaultNFTID = 3

// Result backends.
const (
	BackendLog     = "log"
	BackendRuntime = "runtime"
)

const defaultChunkSize = 20

// Options configures a Provider. Zero values mean defaults.
type Options struct {
	RPCURL          string
	PrivateKey      string // hex; empty switches the provider into mock mode
	ContractAddress string
	NFTID           uint64
	ResultBackend   string // "log" or "runtime"
	RuntimeRPCURL   string
	RuntimeAccount  string // optional account filter for runtime result events

	ReceiptTimeout    time.Duration
	AcceptanceTimeout time.Duration
	ResultTimeout     time.Duration
	ReceiptPoll       time.Duration
	AcceptancePoll    time.Duration
	ResultPoll        time.Duration

	MockAcceptDelay time.Duration
	MockResultDelay time.Duration

	ChunkSize  int
	ChunkDelay time.Duration

	// Journal, when set, receives a durable mirror of registry transitions.
	Journal *db.DB
}

func (o *Options) setDefaults() {
	if o.ContractAddress == "" {
		o.ContractAddress = DefaultContractAddress
	}
	if o.NFTID == 0 {
		o.NFTID = DefaultNFTID
	}
	if o.ResultBackend == "" {
		o.ResultBackend = BackendLog
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 120 * time.Second
	}
	if o.AcceptanceTimeout <= 0 {
		o.AcceptanceTimeout = 30 * time.Second
	}
	if o.ResultTimeout <= 0 {
		o.ResultTimeout = 300 * time.Second
	}
	if o.ReceiptPoll <= 0 {
		o.ReceiptPoll = time.Second
	}
	if o.AcceptancePoll <= 0 {
		o.AcceptancePoll = time.Second
	}
	if o.ResultPoll <= 0 {
		o.ResultPoll = 2 * time.Second
	}
	if o.MockAcceptDelay <= 0 {
		o.MockAcceptDelay = time.Second
	}
	if o.MockResultDelay <= 0 {
		o.MockResultDelay = 3 * time.Second
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.ChunkDelay <= 0 {
		o.ChunkDelay = 100 * time.Millisecond
	}
}

// Status is a best-effort snapshot of the ledger connection.
type Status struct {
	Connected       bool     `json:"connected"`
	RPCURL          string   `json:"rpc_url"`
	ContractAddress string   `json:"contract_address"`
	WalletAddress   string   `json:"wallet_address"`
	NFTID           uint64   `json:"nft_id"`
	ChainID         *big.Int `json:"chain_id"`
}

// Provider is the correlation facade. Query and QueryStream never leak
// errors: every internal failure is converted into an "Error: ..." string,
// which callers historically treat as the sole error signaling channel.
type Provider struct {
	opts     Options
	log      zerolog.Logger
	contract ethcommon.Address

	client  chainClient
	ethc    *ethclient.Client
	fees    *feeEstimator
	sub     *submitter
	watcher ResultWatcher
	journal *db.DB

	key      *ecdsa.PrivateKey
	wallet   ethcommon.Address
	mockMode bool

	registry *registry

	wg        sync.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once
}

// New builds a Provider. An unreachable ledger is not a construction error:
// connectivity problems surface through ConnectionStatus and as error text
// from Query, never as a panic or construction failure. Only a malformed
// signing key is rejected here.
func New(opts Options, log zerolog.Logger) (*Provider, error) {
	opts.setDefaults()

	p := &Provider{
		opts:     opts,
		log:      log.With().Str("component", "oracle").Logger(),
		contract: ethcommon.HexToAddress(opts.ContractAddress),
		journal:  opts.Journal,
		stop:     make(chan struct{}),
	}
	p.registry = newRegistry(p.recordJournal)

	if opts.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
		if err != nil {
			return nil, rerrors.New(rerrors.CodeConfig, "invalid signing key", err)
		}
		p.key = key
		p.wallet = crypto.PubkeyToAddress(key.PublicKey)
	} else {
		p.mockMode = true
		p.log.Warn().Msg("no signing key provided, running in mock mode")
	}

	if opts.RPCURL != "" {
		ethc, err := ethclient.Dial(opts.RPCURL)
		if err != nil {
			p.log.Error().Err(err).Str("rpc_url", opts.RPCURL).Msg("failed to dial ledger RPC")
		} else {
			p.ethc = ethc
			p.client = ethc
		}
	}

	p.fees = newFeeEstimator(p.client, p.log)
	if p.key != nil && p.client != nil {
		p.sub = newSubmitter(p.client, p.fees, p.key, p.wallet, p.contract, opts.NFTID, p.log)
	}

	if !p.mockMode {
		p.watcher = p.buildWatcher()
	}

	if p.client != nil {
		if st := p.ConnectionStatus(); st.Connected {
			p.log.Info().
				Str("rpc_url", opts.RPCURL).
				Str("contract_address", st.ContractAddress).
				Str("wallet_address", st.WalletAddress).
				Uint64("nft_id", opts.NFTID).
				Msg("connected to ledger")
		} else {
			p.log.Error().Str("rpc_url", opts.RPCURL).Msg("failed to connect to ledger")
		}
	}

	return p, nil
}

// buildWatcher selects the result backend once at construction; Query never
// branches on backend per call.
func (p *Provider) buildWatcher() ResultWatcher {
	switch p.opts.ResultBackend {
	case BackendRuntime:
		if p.opts.RuntimeRPCURL == "" {
			p.log.Error().Msg("runtime result backend selected but no runtime RPC URL configured")
			return nil
		}
		rc, err := rpchttp.New(p.opts.RuntimeRPCURL, "/websocket")
		if err != nil {
			p.log.Error().Err(err).Str("runtime_rpc_url", p.opts.RuntimeRPCURL).Msg("failed to build runtime RPC client")
			return nil
		}
		return runtimewatch.New(rc, p.opts.RuntimeAccount, p.opts.ResultPoll, p.opts.ResultTimeout, p.log)
	default:
		if p.ethc == nil {
			return nil
		}
		return evmwatch.New(p.ethc, p.contract, p.opts.ResultPoll, p.opts.ResultTimeout, p.log)
	}
}

// Query submits the text to the oracle and blocks until the answer arrives
// or the pipeline fails. Failures come back as "Error: <message>" strings.
func (p *Provider) Query(ctx context.Context, text string) string {
	response, err := p.run(ctx, text)
	if err != nil {
		p.log.Error().Err(err).Msg("query failed")
		return errorText(err)
	}
	return response
}

// QueryStream runs the same pipeline and re-cuts the final answer into
// fixed-size chunks with a short delay between them, preserving a streaming
// experience even though the result arrived as one atomic event. The channel
// closes when the stream is done; a failure appears as a final error chunk.
func (p *Provider) QueryStream(ctx context.Context, text string) <-chan string {
	out := make(chan string)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(out)

		response, err := p.run(ctx, text)
		if err != nil {
			p.log.Error().Err(err).Msg("query stream failed")
			p.emit(ctx, out, errorText(err))
			return
		}

		for _, chunk := range splitChunks(response, p.opts.ChunkSize) {
			if !p.emit(ctx, out, chunk) {
				return
			}
			select {
			case <-time.After(p.opts.ChunkDelay):
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			}
		}
	}()
	return out
}

// run is the pipeline both public operations share: submit, wait for the
// receipt, wait for acceptance, wait for the result, consume the entry.
func (p *Provider) run(ctx context.Context, text string) (string, error) {
	txHash, err := p.submit(ctx, text)
	if err != nil {
		return "", err
	}

	receiptBlock, err := p.waitForReceipt(ctx, txHash)
	if err != nil {
		p.finishFailed(txHash, err)
		return "", err
	}

	requestID, ok := p.waitForAccepted(ctx, txHash, receiptBlock)
	if !ok {
		if _, present := p.registry.Get(txHash); !present {
			return "", rerrors.NewCancelledError("request cancelled")
		}
		err := rerrors.NewConfirmationError("request was not accepted within " + p.opts.AcceptanceTimeout.String())
		p.finishFailed(txHash, err)
		return "", err
	}
	p.registry.SetRequestID(txHash, requestID)

	var response string
	if p.mockMode {
		response, err = p.waitForMockResult(ctx, txHash)
	} else {
		response, err = p.waitForLiveResult(ctx, txHash, requestID)
	}
	if err != nil {
		// Fail and Take are no-ops for entries CancelRequest already removed,
		// so the epilogue is safe on every failure path.
		p.finishFailed(txHash, err)
		return "", err
	}

	p.registry.Complete(txHash, response)
	p.registry.Take(txHash)
	return response, nil
}

func (p *Provider) submit(ctx context.Context, query string) (string, error) {
	if p.mockMode {
		return p.submitMock(query), nil
	}
	if p.sub == nil {
		return "", rerrors.NewNetworkError("not connected to ledger", nil)
	}

	txHash, err := p.sub.Submit(ctx, query)
	if err != nil {
		return "", err
	}
	if addErr := p.registry.Add(Entry{
		Query:       query,
		Status:      StatusPending,
		SubmittedAt: time.Now(),
		TxHash:      txHash,
		AgentID:     p.opts.NFTID,
	}); addErr != nil {
		p.log.Warn().Err(addErr).Msg("submission identifier already registered")
	}
	return txHash, nil
}

// finishFailed records the terminal failure and consumes the entry.
func (p *Provider) finishFailed(txHash string, err error) {
	p.registry.Fail(txHash, plainMessage(err))
	p.registry.Take(txHash)
}

// PendingRequests returns a snapshot copy of the in-flight requests.
func (p *Provider) PendingRequests() map[string]Entry {
	return p.registry.Snapshot()
}

// CancelRequest removes a request that has not resolved yet. Watch loops
// notice the removal on their next poll and stop silently; cancellation does
// not interrupt them mid-iteration.
func (p *Provider) CancelRequest(txHash string) bool {
	cancelled := p.registry.Cancel(txHash)
	if cancelled {
		p.log.Info().Str("tx_hash", shortHash(txHash)).Msg("request cancelled")
	}
	return cancelled
}

// ConnectionStatus probes the ledger connection. Best effort: it never
// returns an error, it reports Connected false instead.
func (p *Provider) ConnectionStatus() Status {
	st := Status{
		RPCURL:          p.opts.RPCURL,
		ContractAddress: p.contract.Hex(),
		WalletAddress:   p.wallet.Hex(),
		NFTID:           p.opts.NFTID,
	}
	if p.client == nil {
		return st
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chainID, err := p.client.ChainID(ctx)
	if err != nil {
		p.log.Debug().Err(err).Msg("chain id probe failed")
		return st
	}
	st.Connected = true
	st.ChainID = chainID
	return st
}

// SendPrize transfers amount wei of the native token to the recipient. In
// mock mode the payout is simulated with a synthetic hash so the surrounding
// flow can run without a live ledger.
func (p *Provider) SendPrize(ctx context.Context, recipient string, amountWei *big.Int) (string, error) {
	if !ethcommon.IsHexAddress(recipient) {
		return "", rerrors.NewConfigError("invalid prize recipient address")
	}
	if amountWei == nil || amountWei.Sign() < 0 {
		return "", rerrors.NewConfigError("invalid prize amount")
	}

	if p.mockMode {
		txHash := mockTxHash()
		p.log.Info().
			Str("recipient", recipient).
			Str("amount_wei", amountWei.String()).
			Str("tx_hash", shortHash(txHash)).
			Msg("mock prize payout")
		return txHash, nil
	}
	if p.sub == nil {
		return "", rerrors.NewNetworkError("not connected to ledger", nil)
	}
	return p.sub.SendNative(ctx, ethcommon.HexToAddress(recipient), amountWei)
}

// Close stops the mock schedulers and stream goroutines, waits for them, and
// releases the RPC clients. Safe to call more than once.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
	if p.ethc != nil {
		p.ethc.Close()
	}
}

// recordJournal mirrors a registry transition into the SQLite journal so a
// crashed process leaves an inspectable record. Failures are logged, never
// propagated: the journal is an observer, not a dependency.
func (p *Provider) recordJournal(e Entry) {
	if p.journal == nil {
		return
	}
	client := p.journal.Client()

	updates := map[string]any{
		"status":       string(e.Status),
		"request_id":   e.RequestID,
		"has_response": e.Status == StatusCompleted,
		"response":     e.Response,
		"error_msg":    e.Err,
	}
	res := client.Model(&store.RequestRecord{}).Where("tx_hash = ?", e.TxHash).Updates(updates)
	if res.Error != nil {
		p.log.Warn().Err(res.Error).Msg("journal update failed")
		return
	}
	if res.RowsAffected > 0 {
		return
	}

	record := store.RequestRecord{
		TxHash:      e.TxHash,
		Query:       e.Query,
		Status:      string(e.Status),
		AgentID:     e.AgentID,
		RequestID:   e.RequestID,
		HasResponse: e.Status == StatusCompleted,
		Response:    e.Response,
		ErrorMsg:    e.Err,
		SubmittedAt: e.SubmittedAt,
	}
	if err := client.Create(&record).Error; err != nil {
		p.log.Warn().Err(err).Msg("journal insert failed")
	}
}

func (p *Provider) emit(ctx context.Context, out chan<- string, chunk string) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	}
}

// splitChunks re-segments text into size-character slices. Chunking is by
// code point so multi-byte text never splits mid-character.
func splitChunks(text string, size int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return []string{""}
	}
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// errorText converts any internal failure into the caller-visible error
// string. No error crosses the facade boundary in any other form.
func errorText(err error) string {
	return "Error: " + plainMessage(err)
}

func plainMessage(err error) string {
	var coded *rerrors.CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}
	return err.Error()
}
