package server

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AssistQuery carries the user's prompt. The id, when the client sends one,
// ties server log lines back to the client's own request tracking.
type AssistQuery struct {
	ID     string `json:"id,omitempty"`
	Prompt string `json:"prompt"`
}

// AssistRequest is the POST /assist payload.
type AssistRequest struct {
	Query AssistQuery `json:"query"`
}
