// Package store contains the GORM-backed SQLite models for the request
// journal. The journal is a durable mirror of the in-memory request registry:
// rows are written when a query is submitted and updated as it resolves, so a
// crashed process leaves an inspectable record of what was in flight.
package store

import (
	"time"

	"gorm.io/gorm"
)

// Request lifecycle statuses as persisted in the journal.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RequestRecord is one submitted oracle query. The transaction hash is the
// primary handle: it is known before the contract assigns a request id and is
// unique per submission.
type RequestRecord struct {
	gorm.Model
	TxHash      string `gorm:"uniqueIndex"` // Submission transaction hash
	Query       string `gorm:"type:text"`   // Natural-language query sent to the oracle
	Status      string `gorm:"index"`       // "pending", "completed", "failed", "cancelled"
	AgentID     uint64 // Numeric oracle id the query was addressed to
	RequestID   uint64 // Contract-assigned id (zero until the acceptance event)
	HasResponse bool   // Distinguishes an empty response from no response
	Response    string `gorm:"type:text"` // Final oracle answer
	ErrorMsg    string `gorm:"type:text"` // Failure reason if Status is "failed"
	SubmittedAt time.Time
}
