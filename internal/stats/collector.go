// Package stats tracks paper-trading performance counters and evaluates
// the pre-live readiness checklist. Counters survive restarts through a
// JSON snapshot file.
package stats

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Counters is the JSON snapshot shape.
type Counters struct {
	OrdersProposed     int64            `json:"orders_proposed"`
	OrdersSimulated    int64            `json:"orders_simulated"`
	RiskApproved       int64            `json:"risk_approved"`
	RiskRejected       int64            `json:"risk_rejected"`
	RejectionsByRule   map[string]int64 `json:"rejections_by_rule"`
	ApprovalsRequested int64            `json:"approvals_requested"`
	ApprovalsGranted   int64            `json:"approvals_granted"`
	ApprovalsDenied    int64            `json:"approvals_denied"`
	OrdersSubmitted    int64            `json:"orders_submitted"`
	OrdersFilled       int64            `json:"orders_filled"`
	OrdersCancelled    int64            `json:"orders_cancelled"`
	BrokerRejections   int64            `json:"broker_rejections"`
	TokenReplays       int64            `json:"token_replays"`
	UnintendedOrders   int64            `json:"unintended_orders"`
	StartedAt          time.Time        `json:"started_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Collector accumulates rolling counters across the order pipeline.
// Safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	counters Counters
	path     string
	logger   *log.Logger
}

// NewCollector builds a collector. When path is non-empty an existing
// snapshot is loaded so counters continue across restarts; a corrupt
// snapshot starts fresh.
func NewCollector(path string) *Collector {
	c := &Collector{
		path:   path,
		logger: log.New(log.Writer(), "[STATS] ", log.LstdFlags),
		counters: Counters{
			RejectionsByRule: make(map[string]int64),
			StartedAt:        time.Now().UTC(),
		},
	}
	if path != "" {
		c.load()
	}
	return c
}

func (c *Collector) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var loaded Counters
	if err := json.Unmarshal(data, &loaded); err != nil {
		c.logger.Printf("snapshot %s is corrupt, starting fresh: %v", c.path, err)
		return
	}
	if loaded.RejectionsByRule == nil {
		loaded.RejectionsByRule = make(map[string]int64)
	}
	c.counters = loaded
	c.logger.Printf("restored snapshot from %s (%d proposals)", c.path, loaded.OrdersProposed)
}

// Save writes the snapshot atomically. A no-op when no path was given.
func (c *Collector) Save() error {
	c.mu.Lock()
	c.counters.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(c.counters, "", "  ")
	path := c.path
	c.mu.Unlock()
	if path == "" || err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*field++
	c.counters.UpdatedAt = time.Now().UTC()
}

// RecordProposed counts a stored proposal.
func (c *Collector) RecordProposed() { c.inc(&c.counters.OrdersProposed) }

// RecordSimulated counts one pre-trade simulation.
func (c *Collector) RecordSimulated() { c.inc(&c.counters.OrdersSimulated) }

// RecordRiskDecision counts a gate outcome and its violated rules.
func (c *Collector) RecordRiskDecision(approved bool, violatedRules []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if approved {
		c.counters.RiskApproved++
	} else {
		c.counters.RiskRejected++
		for _, rule := range violatedRules {
			c.counters.RejectionsByRule[rule]++
		}
	}
	c.counters.UpdatedAt = time.Now().UTC()
}

// RecordApprovalRequested counts a proposal entering the human queue.
func (c *Collector) RecordApprovalRequested() { c.inc(&c.counters.ApprovalsRequested) }

// RecordApprovalGranted counts a granted approval.
func (c *Collector) RecordApprovalGranted() { c.inc(&c.counters.ApprovalsGranted) }

// RecordApprovalDenied counts a denied approval.
func (c *Collector) RecordApprovalDenied() { c.inc(&c.counters.ApprovalsDenied) }

// RecordSubmitted counts an order handed to the broker.
func (c *Collector) RecordSubmitted() { c.inc(&c.counters.OrdersSubmitted) }

// RecordFilled counts a terminal fill.
func (c *Collector) RecordFilled() { c.inc(&c.counters.OrdersFilled) }

// RecordCancelled counts a terminal cancellation.
func (c *Collector) RecordCancelled() { c.inc(&c.counters.OrdersCancelled) }

// RecordBrokerRejection counts a broker-side rejection.
func (c *Collector) RecordBrokerRejection() { c.inc(&c.counters.BrokerRejections) }

// RecordTokenReplay counts an attempted reuse of a consumed token.
func (c *Collector) RecordTokenReplay() { c.inc(&c.counters.TokenReplays) }

// RecordUnintended counts an order observed at the broker with no
// matching approved proposal. Any value above zero blocks go-live.
func (c *Collector) RecordUnintended() { c.inc(&c.counters.UnintendedOrders) }

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.counters
	out.RejectionsByRule = make(map[string]int64, len(c.counters.RejectionsByRule))
	for k, v := range c.counters.RejectionsByRule {
		out.RejectionsByRule[k] = v
	}
	return out
}

// Summary returns the counters plus derived rates.
func (c *Collector) Summary() map[string]interface{} {
	snap := c.Snapshot()

	successRate := 0.0
	if snap.OrdersSubmitted > 0 {
		successRate = float64(snap.OrdersFilled) / float64(snap.OrdersSubmitted)
	}
	rejectRate := 0.0
	if evaluated := snap.RiskApproved + snap.RiskRejected; evaluated > 0 {
		rejectRate = float64(snap.RiskRejected) / float64(evaluated)
	}

	return map[string]interface{}{
		"orders_proposed":     snap.OrdersProposed,
		"orders_simulated":    snap.OrdersSimulated,
		"risk_approved":       snap.RiskApproved,
		"risk_rejected":       snap.RiskRejected,
		"rejections_by_rule":  snap.RejectionsByRule,
		"approvals_requested": snap.ApprovalsRequested,
		"approvals_granted":   snap.ApprovalsGranted,
		"approvals_denied":    snap.ApprovalsDenied,
		"orders_submitted":    snap.OrdersSubmitted,
		"orders_filled":       snap.OrdersFilled,
		"orders_cancelled":    snap.OrdersCancelled,
		"broker_rejections":   snap.BrokerRejections,
		"token_replays":       snap.TokenReplays,
		"unintended_orders":   snap.UnintendedOrders,
		"success_rate":        successRate,
		"reject_rate":         rejectRate,
		"started_at":          snap.StartedAt,
	}
}
