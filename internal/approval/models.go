package approval

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/tradegate/backend/internal/risk"
	"github.com/tradegate/backend/internal/schema"
	"github.com/tradegate/backend/internal/sim"
)

// Proposal binds an intent, its simulation, and its risk decision to a
// lifecycle state. Mutations go through the Service only.
type Proposal struct {
	ID            string              `json:"id"`
	CorrelationID string              `json:"correlation_id"`
	Intent        *schema.OrderIntent `json:"intent"`
	Simulation    *sim.Result         `json:"simulation"`
	Risk          *risk.RiskDecision  `json:"risk"`
	State         State               `json:"state"`
	BrokerOrderID string              `json:"broker_order_id,omitempty"`
	ApprovedBy    string              `json:"approved_by,omitempty"`
	ApprovalNote  string              `json:"approval_note,omitempty"`
	DenialReason  string              `json:"denial_reason,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Token is a single-use capability authorizing submission of exactly one
// proposal. It commits to the intent hash seen at grant time.
type Token struct {
	ID         string     `json:"id"`
	ProposalID string     `json:"proposal_id"`
	AccountID  string     `json:"account_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	IntentHash string     `json:"intent_hash"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	Revoked    bool       `json:"revoked,omitempty"`
}

// newTokenID returns an unguessable token id: a UUID plus 128 bits of
// fresh randomness.
func newTokenID() string {
	var suffix [16]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// crypto/rand never fails on supported platforms; a second UUID
		// keeps the id unguessable if it somehow does.
		return uuid.New().String() + "-" + uuid.New().String()
	}
	return uuid.New().String() + "-" + hex.EncodeToString(suffix[:])
}
