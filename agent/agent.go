// Package agent orchestrates the assist pipeline: web search, synthesis
// through the ledger oracle, and the win/block mechanics of the guessing
// game. The agent emits its progress as a stream of named events that the
// HTTP front end relays to clients.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rival-labs/rival-agent/gamestate"
	"github.com/rival-labs/rival-agent/oracle"
	"github.com/rival-labs/rival-agent/search"
)

// DefaultName identifies the agent when no name is configured.
const DefaultName = "Rival"

// Event names emitted during Assist, in the order a client sees them.
const (
	EventSearch        = "SEARCH"
	EventSources       = "SOURCES"
	EventImages        = "IMAGES"
	EventProcessing    = "PROCESSING"
	EventFinalResponse = "FINAL_RESPONSE"
	EventError         = "ERROR"
)

const (
	searchingNotice  = "🔍 Searching internet for results..."
	processingNotice = "🧠 Processing with blockchain AI agent..."

	// winningWord ends the game when it appears anywhere in a full
	// synthesized response, regardless of case.
	winningWord = "uomi"

	// blockedByChat tags game-state transitions made through this pipeline,
	// as opposed to sibling processes writing the same state file.
	blockedByChat = "chat"
)

const synthesisTemplate = `Based on the search results below, provide a comprehensive answer to the user's question.

User Question: %s

Search Results: %s

Please provide a well-structured, informative response that synthesizes the search results to answer the user's question. Include relevant details and cite sources when appropriate.`

// walletPattern extracts a payout address from free-form winner text. The
// word boundaries keep it from matching the leading 40 hex chars of a longer
// string such as a transaction hash.
var walletPattern = regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`)

// Searcher provides web results for a prompt.
type Searcher interface {
	Search(ctx context.Context, query string) (*search.Response, error)
}

// Oracle is the ledger-backed model the agent synthesizes answers with.
type Oracle interface {
	QueryStream(ctx context.Context, text string) <-chan string
	ConnectionStatus() oracle.Status
	PendingRequests() map[string]oracle.Entry
	SendPrize(ctx context.Context, recipient string, amountWei *big.Int) (string, error)
}

// Emitter receives the ordered events Assist produces. The SSE server
// forwards them to the client; tests collect them.
type Emitter interface {
	TextBlock(name, text string) error
	JSON(name string, payload any) error
	Chunk(name, chunk string) error
	Done() error
}

// Options configures an Agent.
type Options struct {
	// Name identifies the agent in logs and status payloads.
	Name string

	// PrizeWei is the payout for a winning game, in wei. Nil pays zero,
	// which still settles the game and marks the winner as paid.
	PrizeWei *big.Int
}

// Agent wires search, the oracle, and the shared game state together.
type Agent struct {
	name     string
	searcher Searcher
	oracle   Oracle
	games    *gamestate.Store
	prizeWei *big.Int
	log      zerolog.Logger
}

// New builds an Agent. A nil game store disables the win/block mechanics,
// leaving plain search-and-synthesize behavior.
func New(opts Options, searcher Searcher, model Oracle, games *gamestate.Store, log zerolog.Logger) *Agent {
	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	prizeWei := opts.PrizeWei
	if prizeWei == nil {
		prizeWei = big.NewInt(0)
	}
	return &Agent{
		name:     name,
		searcher: searcher,
		oracle:   model,
		games:    games,
		prizeWei: prizeWei,
		log:      log.With().Str("component", "agent").Str("agent", name).Logger(),
	}
}

// Name returns the configured agent name.
func (a *Agent) Name() string {
	return a.name
}

// Assist answers one prompt, emitting progress events as it goes. Pipeline
// failures are reported to the client as an ERROR block; the returned error
// is non-nil only when the emitter itself fails, meaning the client is gone
// and nothing more can be delivered.
func (a *Agent) Assist(ctx context.Context, prompt string, em Emitter) error {
	if err := a.run(ctx, prompt, em); err != nil {
		a.log.Error().Err(err).Msg("assist failed")
		if emitErr := em.TextBlock(EventError, fmt.Sprintf("❌ Error: %v", err)); emitErr != nil {
			return emitErr
		}
	}
	return em.Done()
}

func (a *Agent) run(ctx context.Context, prompt string, em Emitter) error {
	if a.games != nil && a.games.IsBlocked() {
		return a.runBlocked(ctx, prompt, em)
	}

	if err := em.TextBlock(EventSearch, searchingNotice); err != nil {
		return err
	}

	results, err := a.searcher.Search(ctx, prompt)
	if err != nil {
		return err
	}
	if len(results.Results) > 0 {
		if err := em.JSON(EventSources, map[string]any{"results": results.Results}); err != nil {
			return err
		}
	}
	if len(results.Images) > 0 {
		if err := em.JSON(EventImages, map[string]any{"images": results.Images}); err != nil {
			return err
		}
	}

	if err := em.TextBlock(EventProcessing, processingNotice); err != nil {
		return err
	}

	response, err := a.streamFinalResponse(ctx, prompt, results.Results, em)
	if err != nil {
		return err
	}
	a.checkWinningResponse(response)
	return nil
}

// runBlocked serves the stopped game: the winner's next message either
// carries a payout address or gets the canned blocked reply.
func (a *Agent) runBlocked(ctx context.Context, prompt string, em Emitter) error {
	if !a.games.IsPrizeSent() && walletPattern.MatchString(prompt) {
		result := a.ProcessAndSendPrize(ctx, prompt)
		return em.Chunk(EventFinalResponse, result.Message)
	}
	return em.Chunk(EventFinalResponse, a.games.BlockedMessage())
}

// streamFinalResponse relays oracle chunks to the emitter and returns the
// assembled response for win detection.
func (a *Agent) streamFinalResponse(ctx context.Context, prompt string, results []search.Result, em Emitter) (string, error) {
	query, err := synthesisPrompt(prompt, results)
	if err != nil {
		// The failure text becomes the response rather than aborting the
		// stream, matching how oracle errors already surface to clients.
		text := fmt.Sprintf("Error processing search results: %v", err)
		return text, em.Chunk(EventFinalResponse, text)
	}

	var full strings.Builder
	for chunk := range a.oracle.QueryStream(ctx, query) {
		if err := em.Chunk(EventFinalResponse, chunk); err != nil {
			return "", err
		}
		full.WriteString(chunk)
	}
	return full.String(), nil
}

// synthesisPrompt composes the oracle query from the user's question and the
// raw search results.
func synthesisPrompt(prompt string, results []search.Result) (string, error) {
	encoded, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(synthesisTemplate, prompt, string(encoded)), nil
}

// checkWinningResponse ends the game when the secret word slips into a
// response. Only the first detection wins; later ones are no-ops.
func (a *Agent) checkWinningResponse(response string) {
	if a.games == nil {
		return
	}
	if !strings.Contains(strings.ToLower(response), winningWord) {
		return
	}
	if a.games.Block(response, blockedByChat) {
		a.log.Warn().Msg("winning condition detected, game blocked")
	}
}

// PrizeResult reports a payout attempt. Message is written for end users and
// is served verbatim in the chat stream.
type PrizeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash,omitempty"`
}

// ProcessAndSendPrize scans free-form winner text for a payout address and
// sends the configured prize to the first one found. Validation outcomes are
// returned in the result rather than as errors because every outcome here is
// a message for the winner, not the operator.
func (a *Agent) ProcessAndSendPrize(ctx context.Context, message string) PrizeResult {
	if a.games == nil || !a.games.IsBlocked() {
		return PrizeResult{Message: "The game is still running. No prize to claim yet."}
	}
	if a.games.IsPrizeSent() {
		return PrizeResult{Message: "The prize has already been sent to the winner."}
	}

	wallet := walletPattern.FindString(message)
	if wallet == "" {
		return PrizeResult{Message: "No wallet address found. Please provide a valid 0x address to receive your prize."}
	}
	if !a.games.SetWinnerWallet(wallet) {
		return PrizeResult{Message: "Could not record the wallet address. Please try again."}
	}

	txHash, err := a.oracle.SendPrize(ctx, wallet, a.prizeWei)
	if err != nil {
		a.log.Error().Err(err).Str("wallet", wallet).Msg("prize payout failed")
		return PrizeResult{Message: fmt.Sprintf("Failed to send prize: %v", err)}
	}

	amount := a.prizeWei.String()
	a.games.MarkPrizeSent(txHash, amount)
	a.log.Info().Str("wallet", wallet).Str("tx_hash", txHash).Str("amount_wei", amount).Msg("prize sent")

	return PrizeResult{
		Success: true,
		TxHash:  txHash,
		Message: fmt.Sprintf("Congratulations! Your prize has been sent to %s (tx: %s).", wallet, txHash),
	}
}

// Status reports the agent's operational state for the status endpoint.
func (a *Agent) Status() map[string]any {
	return map[string]any{
		"name":              a.name,
		"blockchain_status": a.oracle.ConnectionStatus(),
		"pending_requests":  len(a.oracle.PendingRequests()),
	}
}
