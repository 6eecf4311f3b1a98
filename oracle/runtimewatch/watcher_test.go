package runtimewatch

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	abci "github.com/cometbft/cometbft/abci/types"
	coretypes "github.com/cometbft/cometbft/rpc/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rival-labs/rival-agent/rerrors"
)

type fakeRuntime struct {
	mu     sync.Mutex
	height int64
	blocks map[int64]*coretypes.ResultBlockResults
}

func (f *fakeRuntime) Status(ctx context.Context) (*coretypes.ResultStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &coretypes.ResultStatus{
		SyncInfo: coretypes.SyncInfo{LatestBlockHeight: f.height},
	}, nil
}

func (f *fakeRuntime) BlockResults(ctx context.Context, height *int64) (*coretypes.ResultBlockResults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if block, ok := f.blocks[*height]; ok {
		return block, nil
	}
	return &coretypes.ResultBlockResults{Height: *height}, nil
}

func (f *fakeRuntime) putBlock(height int64, block *coretypes.ResultBlockResults) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blocks == nil {
		f.blocks = make(map[int64]*coretypes.ResultBlockResults)
	}
	f.blocks[height] = block
	if height > f.height {
		f.height = height
	}
}

func outputEvent(requestID, outputHex, account string) abci.Event {
	return abci.Event{
		Type: EventTypeNodeOutputReceived,
		Attributes: []abci.EventAttribute{
			{Key: AttrKeyRequestID, Value: requestID},
			{Key: AttrKeyOutputData, Value: outputHex},
			{Key: AttrKeyAccountID, Value: account},
		},
	}
}

func txBlock(height int64, events ...abci.Event) *coretypes.ResultBlockResults {
	return &coretypes.ResultBlockResults{
		Height:     height,
		TxsResults: []*abci.ExecTxResult{{Events: events}},
	}
}

func newTestWatcher(fake *fakeRuntime, account string) *Watcher {
	return New(fake, account, 5*time.Millisecond, time.Second, zerolog.Nop())
}

func TestParseNodeOutput(t *testing.T) {
	textHex := hex.EncodeToString([]byte("The answer is 42"))

	tests := []struct {
		name        string
		event       abci.Event
		wantID      uint64
		wantOutput  string
		wantAccount string
		wantErr     error
	}{
		{
			name:        "plain hex output",
			event:       outputEvent("777", textHex, "acct-1"),
			wantID:      777,
			wantOutput:  "The answer is 42",
			wantAccount: "acct-1",
		},
		{
			name:       "0x prefixed output",
			event:      outputEvent("12", "0x"+textHex, ""),
			wantID:     12,
			wantOutput: "The answer is 42",
		},
		{
			name:       "binary output stays hex",
			event:      outputEvent("5", "fffe01", ""),
			wantID:     5,
			wantOutput: "fffe01",
		},
		{
			name: "missing request_id",
			event: abci.Event{
				Type: EventTypeNodeOutputReceived,
				Attributes: []abci.EventAttribute{
					{Key: AttrKeyOutputData, Value: textHex},
				},
			},
			wantErr: ErrMissingRequestID,
		},
		{
			name:    "invalid request_id",
			event:   outputEvent("not-a-number", textHex, ""),
			wantErr: ErrInvalidRequestID,
		},
		{
			name: "missing output_data",
			event: abci.Event{
				Type: EventTypeNodeOutputReceived,
				Attributes: []abci.EventAttribute{
					{Key: AttrKeyRequestID, Value: "777"},
				},
			},
			wantErr: ErrMissingOutputData,
		},
		{
			name:    "invalid output hex",
			event:   outputEvent("777", "zz-not-hex", ""),
			wantErr: ErrInvalidOutputData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parseNodeOutput(tt.event)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v want %v", err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, parsed.RequestID)
			assert.Equal(t, tt.wantOutput, parsed.Output)
			assert.Equal(t, tt.wantAccount, parsed.AccountID)
		})
	}
}

func TestWatcher_WaitForResult_TxEvents(t *testing.T) {
	fake := &fakeRuntime{height: 20}
	fake.putBlock(15, txBlock(15, outputEvent("777", hex.EncodeToString([]byte("hello")), "")))

	w := newTestWatcher(fake, "")
	got, err := w.WaitForResult(context.Background(), 777, 3)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestWatcher_WaitForResult_FinalizeBlockEvents(t *testing.T) {
	fake := &fakeRuntime{height: 20}
	fake.putBlock(16, &coretypes.ResultBlockResults{
		Height:              16,
		FinalizeBlockEvents: []abci.Event{outputEvent("777", hex.EncodeToString([]byte("finalized")), "")},
	})

	w := newTestWatcher(fake, "")
	got, err := w.WaitForResult(context.Background(), 777, 3)
	require.NoError(t, err)
	assert.Equal(t, "finalized", got)
}

func TestWatcher_WaitForResult_EventArrivesLater(t *testing.T) {
	fake := &fakeRuntime{height: 20}
	w := newTestWatcher(fake, "")

	go func() {
		time.Sleep(30 * time.Millisecond)
		fake.putBlock(21, txBlock(21, outputEvent("777", hex.EncodeToString([]byte("late")), "")))
	}()

	got, err := w.WaitForResult(context.Background(), 777, 3)
	require.NoError(t, err)
	assert.Equal(t, "late", got)
}

func TestWatcher_AccountFilter(t *testing.T) {
	fake := &fakeRuntime{height: 20}
	fake.putBlock(14, txBlock(14, outputEvent("777", hex.EncodeToString([]byte("impostor")), "other-account")))
	fake.putBlock(15, txBlock(15, outputEvent("777", hex.EncodeToString([]byte("genuine")), "acct-1")))

	w := newTestWatcher(fake, "acct-1")
	got, err := w.WaitForResult(context.Background(), 777, 3)
	require.NoError(t, err)
	assert.Equal(t, "genuine", got)
}

func TestWatcher_SkipsMismatchedRequests(t *testing.T) {
	fake := &fakeRuntime{height: 20}
	fake.putBlock(15, txBlock(15,
		abci.Event{Type: "OtherEvent"},
		outputEvent("111", hex.EncodeToString([]byte("wrong request")), ""),
		outputEvent("777", hex.EncodeToString([]byte("right request")), ""),
	))

	w := newTestWatcher(fake, "")
	got, err := w.WaitForResult(context.Background(), 777, 3)
	require.NoError(t, err)
	assert.Equal(t, "right request", got)
}

func TestWatcher_Timeout(t *testing.T) {
	fake := &fakeRuntime{height: 20}
	w := New(fake, "", 5*time.Millisecond, 40*time.Millisecond, zerolog.Nop())

	start := time.Now()
	_, err := w.WaitForResult(context.Background(), 777, 3)
	require.Error(t, err)
	assert.True(t, rerrors.IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWatcher_ContextCancelled(t *testing.T) {
	fake := &fakeRuntime{height: 20}
	w := New(fake, "", 50*time.Millisecond, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := w.WaitForResult(ctx, 777, 3)
	require.Error(t, err)
	assert.True(t, rerrors.IsCode(err, rerrors.CodeCancelled))
}
