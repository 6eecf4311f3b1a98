package oracle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rival-labs/rival-agent/db"
	"github.com/rival-labs/rival-agent/oracle/evmwatch"
	"github.com/rival-labs/rival-agent/rerrors"
	"github.com/rival-labs/rival-agent/store"
)

// newMockProvider builds a keyless provider with delays shrunk for tests.
func newMockProvider(t *testing.T, mutate ...func(*Options)) *Provider {
	t.Helper()
	opts := Options{
		MockAcceptDelay: 10 * time.Millisecond,
		MockResultDelay: 20 * time.Millisecond,
		ReceiptPoll:     5 * time.Millisecond,
		AcceptancePoll:  5 * time.Millisecond,
		ResultPoll:      5 * time.Millisecond,
		ChunkDelay:      time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := New(opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// newLiveTestProvider wires a provider directly onto a fake ledger client,
// bypassing the RPC dial that New performs.
func newLiveTestProvider(t *testing.T, fake *fakeChain) *Provider {
	t.Helper()
	opts := Options{
		RPCURL:            "http://127.0.0.1:0",
		ReceiptTimeout:    2 * time.Second,
		AcceptanceTimeout: 2 * time.Second,
		ResultTimeout:     2 * time.Second,
		ReceiptPoll:       5 * time.Millisecond,
		AcceptancePoll:    5 * time.Millisecond,
		ResultPoll:        5 * time.Millisecond,
		ChunkDelay:        time.Millisecond,
	}
	opts.setDefaults()

	key, err := crypto.HexToECDSA(testPrivateKeyHex)
	require.NoError(t, err)

	p := &Provider{
		opts:     opts,
		log:      zerolog.Nop(),
		contract: ethcommon.HexToAddress(opts.ContractAddress),
		client:   fake,
		key:      key,
		wallet:   crypto.PubkeyToAddress(key.PublicKey),
		stop:     make(chan struct{}),
	}
	p.registry = newRegistry(p.recordJournal)
	p.fees = newFeeEstimator(fake, p.log)
	p.sub = newSubmitter(fake, p.fees, p.key, p.wallet, p.contract, opts.NFTID, p.log)
	p.watcher = evmwatch.New(fake, p.contract, opts.ResultPoll, opts.ResultTimeout, p.log)
	t.Cleanup(p.Close)
	return p
}

func TestProvider_MockQuery(t *testing.T) {
	p := newMockProvider(t)

	query := "what is the meaning of life"
	resp := p.Query(context.Background(), query)

	assert.Equal(t, fmt.Sprintf(mockResponseTemplate, query), resp)
	assert.Contains(t, resp, query)
	assert.False(t, strings.HasPrefix(resp, "Error:"))
	assert.Equal(t, 0, p.registry.Len(), "resolved requests are consumed")
}

func TestProvider_QueryStreamMatchesQuery(t *testing.T) {
	p := newMockProvider(t)
	ctx := context.Background()
	query := "stream this answer back to me"

	want := p.Query(ctx, query)

	var chunks []string
	for chunk := range p.QueryStream(ctx, query) {
		chunks = append(chunks, chunk)
	}

	require.NotEmpty(t, chunks)
	assert.Equal(t, want, strings.Join(chunks, ""))
	for i, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), defaultChunkSize, "chunk %d too large", i)
	}
}

func TestProvider_QueryStreamErrorChunk(t *testing.T) {
	// A signing key without a reachable ledger runs in live mode with no
	// client; the failure must arrive as the stream's only chunk.
	p, err := New(Options{PrivateKey: testPrivateKeyHex, ChunkDelay: time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	var chunks []string
	for chunk := range p.QueryStream(context.Background(), "anyone there?") {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 1)
	assert.Equal(t, "Error: not connected to ledger", chunks[0])
}

func TestProvider_QueryErrorTextWithoutLedger(t *testing.T) {
	p, err := New(Options{PrivateKey: testPrivateKeyHex}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(p.Close)

	resp := p.Query(context.Background(), "anyone there?")
	assert.Equal(t, "Error: not connected to ledger", resp)
}

func TestProvider_CancelRequest(t *testing.T) {
	p := newMockProvider(t, func(o *Options) {
		o.MockResultDelay = 500 * time.Millisecond
	})
	ctx := context.Background()

	resultCh := make(chan string, 1)
	go func() {
		resultCh <- p.Query(ctx, "cancel me")
	}()

	var txHash string
	require.Eventually(t, func() bool {
		for hash := range p.PendingRequests() {
			txHash = hash
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond, "submission never appeared")

	assert.True(t, p.CancelRequest(txHash))
	assert.False(t, p.CancelRequest(txHash), "second cancel finds nothing")
	assert.Empty(t, p.PendingRequests())

	select {
	case resp := <-resultCh:
		assert.Equal(t, "Error: request cancelled", resp)
	case <-time.After(2 * time.Second):
		t.Fatal("query did not resolve after cancellation")
	}
}

func TestProvider_CancelUnknownHash(t *testing.T) {
	p := newMockProvider(t)
	assert.False(t, p.CancelRequest("0xdeadbeef"))
}

func TestProvider_AcceptanceTimeout(t *testing.T) {
	p := newMockProvider(t, func(o *Options) {
		o.AcceptanceTimeout = 30 * time.Millisecond
		o.MockAcceptDelay = 5 * time.Second
	})

	start := time.Now()
	resp := p.Query(context.Background(), "too slow")

	assert.True(t, strings.HasPrefix(resp, "Error: request was not accepted within"), "got %q", resp)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, p.PendingRequests(), "timed-out request is consumed")
}

func TestProvider_AcceptedBeforeResult(t *testing.T) {
	p := newMockProvider(t, func(o *Options) {
		o.MockAcceptDelay = 20 * time.Millisecond
		o.MockResultDelay = 200 * time.Millisecond
	})

	txHash := p.submitMock("ordering check")

	sawAcceptedPending := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok := p.registry.Get(txHash)
		require.True(t, ok)

		if entry.Status == StatusPending && entry.RequestID != 0 {
			sawAcceptedPending = true
		}
		if entry.Status == StatusCompleted {
			assert.True(t, sawAcceptedPending, "completion observed before acceptance")
			assert.Equal(t, mockRequestID(txHash), entry.RequestID)
			assert.Equal(t, fmt.Sprintf(mockResponseTemplate, "ordering check"), entry.Response)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("mock request never completed")
}

func TestProvider_ConcurrentQueries(t *testing.T) {
	p := newMockProvider(t)
	ctx := context.Background()

	const n = 5
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Query(ctx, fmt.Sprintf("query number %d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Contains(t, results[i], fmt.Sprintf("query number %d", i), "responses must not cross requests")
	}
	assert.Equal(t, 0, p.registry.Len())
}

func TestProvider_ConnectionStatus(t *testing.T) {
	t.Run("mock mode", func(t *testing.T) {
		p := newMockProvider(t)
		st := p.ConnectionStatus()

		assert.False(t, st.Connected)
		assert.Equal(t, ethcommon.Address{}.Hex(), st.WalletAddress)
		assert.Equal(t, ethcommon.HexToAddress(DefaultContractAddress).Hex(), st.ContractAddress)
		assert.Equal(t, uint64(DefaultNFTID), st.NFTID)
		assert.Nil(t, st.ChainID)
	})

	t.Run("live probe", func(t *testing.T) {
		p := newLiveTestProvider(t, &fakeChain{chainID: big.NewInt(4661)})
		st := p.ConnectionStatus()

		assert.True(t, st.Connected)
		require.NotNil(t, st.ChainID)
		assert.Equal(t, int64(4661), st.ChainID.Int64())
	})

	t.Run("probe failure", func(t *testing.T) {
		p := newLiveTestProvider(t, &fakeChain{chainIDErr: errors.New("rpc down")})
		st := p.ConnectionStatus()
		assert.False(t, st.Connected)
	})
}

func TestProvider_SendPrize(t *testing.T) {
	p := newMockProvider(t)
	ctx := context.Background()
	recipient := "0x2222222222222222222222222222222222222222"

	txHash, err := p.SendPrize(ctx, recipient, big.NewInt(1000))
	require.NoError(t, err)
	assert.Len(t, txHash, 66)
	assert.True(t, strings.HasPrefix(txHash, "0x"))

	_, err = p.SendPrize(ctx, "not-an-address", big.NewInt(1))
	require.Error(t, err)
	assert.True(t, rerrors.IsCode(err, rerrors.CodeConfig))

	_, err = p.SendPrize(ctx, recipient, nil)
	require.Error(t, err)

	_, err = p.SendPrize(ctx, recipient, big.NewInt(-5))
	require.Error(t, err)
}

func TestProvider_InvalidSigningKey(t *testing.T) {
	_, err := New(Options{PrivateKey: "not-hex"}, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, rerrors.IsCode(err, rerrors.CodeConfig))
}

func TestProvider_JournalMirroring(t *testing.T) {
	journal, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	p := newMockProvider(t, func(o *Options) { o.Journal = journal })

	resp := p.Query(context.Background(), "journal me")
	require.False(t, strings.HasPrefix(resp, "Error:"), "got %q", resp)

	// The completion notification lands from the scheduler goroutine, so
	// poll briefly instead of reading immediately.
	var rec store.RequestRecord
	require.Eventually(t, func() bool {
		err := journal.Client().Where("query = ?", "journal me").First(&rec).Error
		return err == nil && rec.Status == string(StatusCompleted)
	}, time.Second, 5*time.Millisecond)

	assert.True(t, rec.HasResponse)
	assert.Equal(t, resp, rec.Response)
	assert.NotZero(t, rec.RequestID)
	assert.NotEmpty(t, rec.TxHash)
	assert.Equal(t, uint64(DefaultNFTID), rec.AgentID)
}

func TestProvider_LivePipeline(t *testing.T) {
	fake := &fakeChain{
		blockNumber: 20,
		gasEstimate: 60_000,
		gasPrice:    big.NewInt(10_000_000_000),
		callResult:  priceReturn(big.NewInt(0)),
	}
	p := newLiveTestProvider(t, fake)

	requestID := big.NewInt(777)
	var output [32]byte
	output[0] = 0xff // not valid UTF-8, the response falls back to hex
	copy(output[1:], []byte("raw-result"))
	wantResponse := hex.EncodeToString(output[:])

	// Drive the ledger: once the transaction lands, publish its receipt,
	// the acceptance event, and a matching result event.
	go func() {
		var tx *types.Transaction
		for {
			if sent := fake.sentTxs(); len(sent) > 0 {
				tx = sent[0]
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		fake.setReceipt(tx.Hash(), &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(12),
		})
		fake.setLogs([]types.Log{
			{
				Address: p.contract,
				TxHash:  tx.Hash(),
				Topics: []ethcommon.Hash{
					requestSentTopic,
					ethcommon.BytesToHash(p.wallet.Bytes()),
					ethcommon.BigToHash(requestID),
					{},
				},
				BlockNumber: 12,
			},
			{
				Address: p.contract,
				TxHash:  ethcommon.HexToHash("0xfeed"),
				Topics: []ethcommon.Hash{
					crypto.Keccak256Hash([]byte("AgentResult(uint256,bytes,uint256,uint256,uint256)")),
					ethcommon.BigToHash(requestID),
					ethcommon.BytesToHash(output[:]),
					ethcommon.BigToHash(big.NewInt(DefaultNFTID)),
				},
				BlockNumber: 14,
			},
		})
		// Move the head so watchers with a block cursor re-scan.
		fake.setBlockNumber(25)
	}()

	resp := p.Query(context.Background(), "live question")
	assert.Equal(t, wantResponse, resp)
	assert.Equal(t, 0, p.registry.Len())
}

func TestProvider_LiveRevertedTransaction(t *testing.T) {
	fake := &fakeChain{
		blockNumber: 20,
		gasEstimate: 60_000,
		gasPrice:    big.NewInt(10_000_000_000),
		callResult:  priceReturn(big.NewInt(0)),
	}
	p := newLiveTestProvider(t, fake)

	go func() {
		for {
			if sent := fake.sentTxs(); len(sent) > 0 {
				fake.setReceipt(sent[0].Hash(), &types.Receipt{
					Status:      types.ReceiptStatusFailed,
					BlockNumber: big.NewInt(12),
				})
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	resp := p.Query(context.Background(), "doomed question")
	assert.Equal(t, "Error: transaction reverted on chain", resp)
	assert.Empty(t, p.PendingRequests())
}

func TestProvider_CloseIsIdempotent(t *testing.T) {
	p := newMockProvider(t, func(o *Options) {
		o.MockResultDelay = 5 * time.Second
	})

	// Leave a scheduler mid-flight; Close must join it promptly.
	p.submitMock("abandoned")

	done := make(chan struct{})
	go func() {
		p.Close()
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{name: "empty text yields one empty chunk", text: "", size: 20, want: []string{""}},
		{name: "short text", text: "abc", size: 20, want: []string{"abc"}},
		{name: "exact multiple", text: "abcd", size: 2, want: []string{"ab", "cd"}},
		{name: "remainder", text: "abcde", size: 2, want: []string{"ab", "cd", "e"}},
		{name: "multibyte runes stay whole", text: strings.Repeat("é", 25), size: 20, want: []string{strings.Repeat("é", 20), strings.Repeat("é", 5)}},
		{name: "non-positive size uses default", text: "x", size: 0, want: []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitChunks(tt.text, tt.size))
		})
	}
}

func TestErrorText(t *testing.T) {
	coded := rerrors.NewTimeoutError("no result received within 5m0s")
	assert.Equal(t, "Error: no result received within 5m0s", errorText(coded))

	plain := errors.New("plain failure")
	assert.Equal(t, "Error: plain failure", errorText(plain))
}

func TestMockIdentifiers(t *testing.T) {
	first := mockTxHash()
	second := mockTxHash()

	assert.Len(t, first, 66)
	assert.True(t, strings.HasPrefix(first, "0x"))
	_, err := hex.DecodeString(first[2:])
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	hash := "0x00000000000000000000000000000000000000000000000000000000deadbeef"
	assert.Equal(t, uint64(0xdeadbeef), mockRequestID(hash))
	assert.Equal(t, uint64(0), mockRequestID("short"))
}
