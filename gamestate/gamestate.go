// Package gamestate coordinates the win/block lifecycle of the guessing game
// across processes. State lives in a JSON document guarded by an advisory
// file lock so the chat server, payout tooling, and any sibling process
// observe the same game, plus an in-process mutex for goroutine safety.
package gamestate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// Blocked is the canned reply served while the game is stopped and the
// winner has not yet been paid.
const Blocked = "The game has been stopped because a winning condition was met. Please provide your wallet address to receive your prize."

const eventLogName = "shared_game_events.log"

var walletPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Winner records who tripped the winning condition and how the payout went.
type Winner struct {
	DetectedAt      string  `json:"detected_at"`
	WinningResponse string  `json:"winning_response"`
	WalletAddress   *string `json:"wallet_address"`
	PrizeSent       bool    `json:"prize_sent"`
	PrizeTxHash     string  `json:"prize_tx_hash,omitempty"`
	PrizeAmount     string  `json:"prize_amount,omitempty"`
	PrizeSentAt     string  `json:"prize_sent_at,omitempty"`
	BlockedBy       string  `json:"blocked_by"`
}

// State is the cross-process game state document. Field names are part of
// the on-disk contract shared with non-Go consumers.
type State struct {
	GameBlocked   bool    `json:"game_blocked"`
	Winner        *Winner `json:"winner"`
	LastUpdated   string  `json:"last_updated"`
	BlockedBy     *string `json:"blocked_by"`
	Version       int     `json:"version"`
	CrossPlatform bool    `json:"cross_platform,omitempty"`
}

// Store reads and mutates the shared state file.
type Store struct {
	mu       sync.Mutex
	path     string
	flk      *flock.Flock
	eventLog string
	log      zerolog.Logger
}

// NewStore opens (or initializes) the state file at path. The JSONL event
// log lives next to it.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	s := &Store{
		path:     path,
		flk:      flock.New(path),
		eventLog: filepath.Join(filepath.Dir(path), eventLogName),
		log:      log.With().Str("component", "gamestate").Logger(),
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeDefault(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return s, nil
}

// IsBlocked reports whether the game is currently stopped.
func (s *Store) IsBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlockFile(s.lockFile())

	return s.readState().GameBlocked
}

// State returns a copy of the full state document.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlockFile(s.lockFile())

	return s.readState()
}

// Block stops the game and records the winning response. Returns false if
// the game was already blocked, so only the first detection wins.
func (s *Store) Block(response, blockedBy string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlockFile(s.lockFile())

	state := s.readState()
	if state.GameBlocked {
		return false
	}

	state.GameBlocked = true
	state.BlockedBy = &blockedBy
	state.Winner = &Winner{
		DetectedAt:      isoNow(),
		WinningResponse: response,
		WalletAddress:   nil,
		PrizeSent:       false,
		BlockedBy:       blockedBy,
	}
	if !s.writeState(&state) {
		return false
	}

	s.appendEvent("GAME_BLOCKED", map[string]any{
		"reason":     "uomi_detected",
		"response":   response,
		"blocked_by": blockedBy,
	})
	s.log.Warn().Str("blocked_by", blockedBy).Msg("game blocked: winning condition met")
	return true
}

// SetWinnerWallet stores the winner's payout address. Returns false when the
// game is not blocked, no winner is recorded, or the address is malformed.
func (s *Store) SetWinnerWallet(walletAddress string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlockFile(s.lockFile())

	state := s.readState()
	if !state.GameBlocked || state.Winner == nil {
		return false
	}
	if !walletPattern.MatchString(walletAddress) {
		return false
	}

	state.Winner.WalletAddress = &walletAddress
	if !s.writeState(&state) {
		return false
	}

	s.appendEvent("WALLET_PROVIDED", map[string]any{
		"wallet_address": walletAddress,
	})
	return true
}

// MarkPrizeSent records the payout transaction. The amount is a decimal wei
// string so arbitrarily large prizes survive the JSON round trip.
func (s *Store) MarkPrizeSent(txHash, amount string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlockFile(s.lockFile())

	state := s.readState()
	if !state.GameBlocked || state.Winner == nil {
		return false
	}

	state.Winner.PrizeSent = true
	state.Winner.PrizeTxHash = txHash
	state.Winner.PrizeAmount = amount
	state.Winner.PrizeSentAt = isoNow()
	if !s.writeState(&state) {
		return false
	}

	recipient := ""
	if state.Winner.WalletAddress != nil {
		recipient = *state.Winner.WalletAddress
	}
	s.appendEvent("PRIZE_SENT", map[string]any{
		"recipient": recipient,
		"amount":    amount,
		"tx_hash":   txHash,
	})
	return true
}

// Reset starts a fresh game.
func (s *Store) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlockFile(s.lockFile())

	state := State{
		GameBlocked: false,
		Winner:      nil,
		BlockedBy:   nil,
		Version:     1,
	}
	if !s.writeState(&state) {
		return false
	}
	s.appendEvent("GAME_RESET", map[string]any{})
	return true
}

// WinnerInfo returns a copy of the winner record, or nil when nobody has won.
func (s *Store) WinnerInfo() *Winner {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlockFile(s.lockFile())

	state := s.readState()
	if state.Winner == nil {
		return nil
	}
	winner := *state.Winner
	return &winner
}

// IsPrizeSent reports whether the recorded winner has been paid.
func (s *Store) IsPrizeSent() bool {
	winner := s.WinnerInfo()
	return winner != nil && winner.PrizeSent
}

// BlockedMessage is the reply to serve while the game is stopped.
func (s *Store) BlockedMessage() string {
	return Blocked
}

// EventLogPath returns where the JSONL event log is written.
func (s *Store) EventLogPath() string {
	return s.eventLog
}

// Stats summarizes the state for the status endpoint.
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.unlockFile(s.lockFile())

	state := s.readState()
	blockedBy := ""
	if state.BlockedBy != nil {
		blockedBy = *state.BlockedBy
	}
	hasWallet := false
	prizeSent := false
	if state.Winner != nil {
		hasWallet = state.Winner.WalletAddress != nil
		prizeSent = state.Winner.PrizeSent
	}
	return map[string]any{
		"game_blocked":      state.GameBlocked,
		"blocked_by":        blockedBy,
		"last_updated":      state.LastUpdated,
		"version":           state.Version,
		"winner_has_wallet": hasWallet,
		"prize_sent":        prizeSent,
		"state_file":        s.path,
	}
}

// lockFile takes the advisory cross-process lock. A failure degrades to
// in-process safety only; the mutation still proceeds.
func (s *Store) lockFile() bool {
	if err := s.flk.Lock(); err != nil {
		s.log.Warn().Err(err).Msg("file lock unavailable, proceeding unlocked")
		return false
	}
	return true
}

func (s *Store) unlockFile(locked bool) {
	if !locked {
		return
	}
	if err := s.flk.Unlock(); err != nil {
		s.log.Warn().Err(err).Msg("failed to release file lock")
	}
}

// readState loads the document, resetting it to defaults when the file is
// missing or corrupt. Callers hold both locks.
func (s *Store) readState() State {
	data, err := os.ReadFile(s.path)
	if err == nil {
		var state State
		if jsonErr := json.Unmarshal(data, &state); jsonErr == nil {
			return state
		}
	}
	if err := s.writeDefault(); err != nil {
		s.log.Error().Err(err).Msg("failed to reinitialize state file")
		return State{Version: 1}
	}
	data, err = os.ReadFile(s.path)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read state file")
		return State{Version: 1}
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{Version: 1}
	}
	return state
}

// writeState stamps and persists the document. Callers hold both locks.
func (s *Store) writeState(state *State) bool {
	state.LastUpdated = isoNow()
	state.Version++

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal state")
		return false
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.log.Error().Err(err).Msg("failed to write state file")
		return false
	}
	return true
}

func (s *Store) writeDefault() error {
	state := State{
		GameBlocked:   false,
		Winner:        nil,
		LastUpdated:   isoNow(),
		BlockedBy:     nil,
		Version:       1,
		CrossPlatform: true,
	}
	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// appendEvent writes one JSONL line to the event log. Best effort: a logging
// failure never blocks the state transition that triggered it.
func (s *Store) appendEvent(eventType string, details map[string]any) {
	details["timestamp"] = isoNow()
	entry := map[string]any{
		"timestamp":  isoNow(),
		"event_type": eventType,
		"details":    details,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.eventLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to open event log")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.log.Warn().Err(err).Msg("failed to append event log")
	}
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
