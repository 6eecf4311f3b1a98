package config

// ResultBackend selects which ledger event schema the provider watches for
// oracle results.
type ResultBackend string

const (
	// BackendLog decodes contract log events (RequestSent / AgentResult).
	BackendLog ResultBackend = "log"

	// BackendRuntime scans chain-level runtime events (NodeOutputReceived).
	BackendRuntime ResultBackend = "runtime"
)

type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Node Config
	NodeHome string `json:"node_home"` // Home directory (default: ~/.rival)

	// Ledger configuration
	RPCURL          string `json:"rpc_url"`                   // JSON-RPC endpoint of the oracle chain
	PrivateKey      string `json:"private_key,omitempty"`     // Signing key hex; empty switches the provider into mock mode
	ContractAddress string `json:"contract_address"`          // Oracle contract address
	AgentNFTID      uint64 `json:"nft_id"`                    // Numeric oracle id the contract knows the agent by (default: 3)
	ResultBackend   string `json:"result_backend"`            // "log" or "runtime" (default: log)
	RuntimeRPCURL   string `json:"runtime_rpc_url,omitempty"` // Block-results endpoint for the runtime backend
	RuntimeAccount  string `json:"runtime_account,omitempty"` // account_id filter for runtime result events

	// Watch tunables (seconds; zero means default)
	ReceiptTimeoutSeconds    int `json:"receipt_timeout_seconds"`    // Wait for the submission to be mined (default: 120)
	AcceptanceTimeoutSeconds int `json:"acceptance_timeout_seconds"` // Wait for the acceptance event (default: 30)
	ResultTimeoutSeconds     int `json:"result_timeout_seconds"`     // Wait for the result event (default: 300)
	ResultPollSeconds        int `json:"result_poll_seconds"`        // Result watch cadence (default: 2)
	AcceptancePollSeconds    int `json:"acceptance_poll_seconds"`    // Acceptance watch cadence (default: 1)

	// Server Config
	ServerPort int    `json:"server_port"` // Port for the HTTP/SSE front end (default: 8000)
	APIKey     string `json:"api_key,omitempty"`

	// Search Config
	TavilyAPIKey string `json:"tavily_api_key,omitempty"`

	// Game Config
	GameStateFile string `json:"game_state_file"` // Shared game-state JSON path (default: <home>/shared_game_state.json)
	PrizeWei      string `json:"prize_wei"`       // Prize payout in wei, decimal string (default: 0)
}
