package oracle

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingEntry(txHash, query string) Entry {
	return Entry{
		Query:   query,
		Status:  StatusPending,
		TxHash:  txHash,
		AgentID: 3,
	}
}

func TestRegistry_AddAndGet(t *testing.T) {
	r := newRegistry(nil)

	require.NoError(t, r.Add(pendingEntry("0xabc", "what is the weather")))

	got, ok := r.Get("0xabc")
	require.True(t, ok)
	assert.Equal(t, "what is the weather", got.Query)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.SubmittedAt.IsZero(), "Add should stamp SubmittedAt")

	// Mutating the returned copy must not touch the stored entry.
	got.Query = "changed"
	again, ok := r.Get("0xabc")
	require.True(t, ok)
	assert.Equal(t, "what is the weather", again.Query)
}

func TestRegistry_AddDuplicate(t *testing.T) {
	r := newRegistry(nil)

	require.NoError(t, r.Add(pendingEntry("0xabc", "first")))
	err := r.Add(pendingEntry("0xabc", "second"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	got, ok := r.Get("0xabc")
	require.True(t, ok)
	assert.Equal(t, "first", got.Query, "duplicate Add must not overwrite")
}

func TestRegistry_SetRequestID(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Add(pendingEntry("0xabc", "q")))

	assert.True(t, r.SetRequestID("0xabc", 42))
	got, _ := r.Get("0xabc")
	assert.Equal(t, uint64(42), got.RequestID)

	// The id is stable once assigned.
	assert.True(t, r.SetRequestID("0xabc", 99))
	got, _ = r.Get("0xabc")
	assert.Equal(t, uint64(42), got.RequestID)

	assert.False(t, r.SetRequestID("0xmissing", 7))

	r.Complete("0xabc", "done")
	assert.False(t, r.SetRequestID("0xabc", 7), "terminal entries accept no id")
}

func TestRegistry_CompleteAndFail(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Add(pendingEntry("0xaaa", "q1")))
	require.NoError(t, r.Add(pendingEntry("0xbbb", "q2")))

	assert.True(t, r.Complete("0xaaa", "the answer"))
	got, _ := r.Get("0xaaa")
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "the answer", got.Response)

	// Terminal states never transition again.
	assert.False(t, r.Complete("0xaaa", "other"))
	assert.False(t, r.Fail("0xaaa", "boom"))
	got, _ = r.Get("0xaaa")
	assert.Equal(t, "the answer", got.Response)

	assert.True(t, r.Fail("0xbbb", "timed out"))
	got, _ = r.Get("0xbbb")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "timed out", got.Err)

	assert.False(t, r.Complete("0xmissing", "x"))
}

func TestRegistry_Cancel(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Add(pendingEntry("0xabc", "q")))

	assert.True(t, r.Cancel("0xabc"), "pending entry cancels")
	_, ok := r.Get("0xabc")
	assert.False(t, ok, "cancelled entry is removed")

	assert.False(t, r.Cancel("0xabc"), "second cancel finds nothing")
	assert.False(t, r.Cancel("0xnever"), "unknown hash is not an error")

	// A resolved request is not cancellable and stays readable.
	require.NoError(t, r.Add(pendingEntry("0xdone", "q")))
	r.Complete("0xdone", "resp")
	assert.False(t, r.Cancel("0xdone"))
	got, ok := r.Get("0xdone")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRegistry_Take(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Add(pendingEntry("0xabc", "q")))
	r.Complete("0xabc", "resp")

	got, ok := r.Take("0xabc")
	require.True(t, ok)
	assert.Equal(t, "resp", got.Response)

	_, ok = r.Take("0xabc")
	assert.False(t, ok, "Take consumes the entry")
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := newRegistry(nil)
	require.NoError(t, r.Add(pendingEntry("0xaaa", "q1")))
	require.NoError(t, r.Add(pendingEntry("0xbbb", "q2")))

	snap := r.Snapshot()
	require.Len(t, snap, 2)

	delete(snap, "0xaaa")
	e := snap["0xbbb"]
	e.Query = "mutated"
	snap["0xbbb"] = e

	assert.Equal(t, 2, r.Len())
	got, _ := r.Get("0xbbb")
	assert.Equal(t, "q2", got.Query)
}

func TestRegistry_Notifications(t *testing.T) {
	var mu sync.Mutex
	var seen []Entry
	r := newRegistry(func(e Entry) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})

	require.NoError(t, r.Add(pendingEntry("0xabc", "q")))
	r.SetRequestID("0xabc", 7)
	r.Complete("0xabc", "resp")
	r.Take("0xabc")
	r.Complete("0xabc", "resp") // no-op after Take, no notification

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3, "Add, SetRequestID and Complete notify; Take does not")
	assert.Equal(t, StatusPending, seen[0].Status)
	assert.Equal(t, uint64(0), seen[0].RequestID)
	assert.Equal(t, uint64(7), seen[1].RequestID)
	assert.Equal(t, StatusCompleted, seen[2].Status)
	assert.Equal(t, "resp", seen[2].Response)
}

func TestRegistry_ConcurrentCancelAndComplete(t *testing.T) {
	r := newRegistry(nil)
	const n = 64

	for i := 0; i < n; i++ {
		require.NoError(t, r.Add(pendingEntry(fmt.Sprintf("0x%02d", i), "q")))
	}

	var wg sync.WaitGroup
	cancelled := make([]bool, n)
	completed := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		hash := fmt.Sprintf("0x%02d", i)
		go func(i int) {
			defer wg.Done()
			cancelled[i] = r.Cancel(hash)
		}(i)
		go func(i int) {
			defer wg.Done()
			completed[i] = r.Complete(hash, "resp")
		}(i)
	}
	wg.Wait()

	// Exactly one of the two racing transitions wins per entry.
	for i := 0; i < n; i++ {
		assert.NotEqual(t, cancelled[i], completed[i], "entry %d: cancel=%v complete=%v", i, cancelled[i], completed[i])
	}
}
