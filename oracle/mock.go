package oracle

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// mockResponseTemplate is the deterministic answer fabricated in mock mode.
const mockResponseTemplate = "Based on your query '%s', here's my analysis and response from the Rival blockchain AI agent."

// mockTxHash fabricates a 32-byte submission hash. Random rather than
// time-derived so concurrent mock submissions never collide.
func mockTxHash() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		binary.BigEndian.PutUint64(b[24:], uint64(time.Now().UnixNano()))
	}
	return "0x" + hex.EncodeToString(b[:])
}

// mockRequestID derives the numeric request id from the last 8 hex
// characters of the submission hash, the same id the mock acceptance event
// reports.
func mockRequestID(txHash string) uint64 {
	if len(txHash) < 8 {
		return 0
	}
	id, err := strconv.ParseUint(txHash[len(txHash)-8:], 16, 64)
	if err != nil {
		return 0
	}
	return id
}

// submitMock registers the entry and spawns the event scheduler. No network
// call is made anywhere on this path.
func (p *Provider) submitMock(query string) string {
	txHash := mockTxHash()
	if err := p.registry.Add(Entry{
		Query:       query,
		Status:      StatusPending,
		SubmittedAt: time.Now(),
		TxHash:      txHash,
		AgentID:     p.opts.NFTID,
	}); err != nil {
		p.log.Warn().Err(err).Msg("mock submission collided, retrying")
		return p.submitMock(query)
	}

	p.log.Warn().Str("tx_hash", shortHash(txHash)).Msg("running in mock mode, no real transaction submitted")
	p.scheduleMockEvents(txHash)
	return txHash
}

// scheduleMockEvents synthesizes the acceptance and result events for one
// submission on fixed delays, mutating the registry exactly like the live
// watchers would. The goroutine is joined by Close via the provider's
// WaitGroup; the stop channel aborts pending emissions on shutdown.
func (p *Provider) scheduleMockEvents(txHash string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case <-time.After(p.opts.MockAcceptDelay):
		case <-p.stop:
			return
		}
		requestID := mockRequestID(txHash)
		if !p.registry.SetRequestID(txHash, requestID) {
			return // cancelled before acceptance
		}
		p.log.Info().
			Str("tx_hash", shortHash(txHash)).
			Uint64("request_id", requestID).
			Msg("mock event emitted: RequestSent")

		select {
		case <-time.After(p.opts.MockResultDelay):
		case <-p.stop:
			return
		}
		entry, ok := p.registry.Get(txHash)
		if !ok {
			return // cancelled before the result
		}
		response := fmt.Sprintf(mockResponseTemplate, entry.Query)
		if p.registry.Complete(txHash, response) {
			p.log.Info().
				Str("tx_hash", shortHash(txHash)).
				Msg("mock event emitted: AgentResult")
		}
	}()
}

func shortHash(txHash string) string {
	if len(txHash) <= 10 {
		return txHash
	}
	return txHash[:10] + "..."
}
