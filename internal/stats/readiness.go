package stats

import "fmt"

// Check outcomes.
const (
	CheckPass = "PASS"
	CheckFail = "FAIL"
	CheckSkip = "SKIP"
)

// Check severities. A failing BLOCKER check stops go-live; a failing
// WARNING check does not.
const (
	SeverityBlocker = "BLOCKER"
	SeverityWarning = "WARNING"
)

// Readiness thresholds for graduating from paper trading.
const (
	MinOrdersSimulated = 200
	MinOrdersSubmitted = 50
	MaxUnintended      = 0
	MaxRejectRate      = 0.20
)

// CheckResult is one line of the readiness checklist.
type CheckResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Checklist is the full readiness report.
type Checklist struct {
	ReadyForLive bool          `json:"ready_for_live"`
	ChecksPassed int           `json:"checks_passed"`
	ChecksTotal  int           `json:"checks_total"`
	Checks       []CheckResult `json:"checks"`
}

// ServiceProbes supplies the live service checks the checklist needs.
// A nil probe yields a SKIP result for its check.
type ServiceProbes struct {
	AuditHealthy    func() error
	BrokerConnected func() bool
	PolicyLoaded    func() bool
	KillSwitch      func() error
}

// PreLive evaluates the go-live checklist against the current counters
// and the supplied service probes. ReadyForLive is true only when every
// BLOCKER check passes.
func (c *Collector) PreLive(probes ServiceProbes) *Checklist {
	snap := c.Snapshot()
	var checks []CheckResult

	checks = append(checks, probeCheck("audit_store", probes.AuditHealthy))
	checks = append(checks, boolProbeCheck("broker_connection", probes.BrokerConnected,
		"broker adapter is connected", "broker adapter is not connected"))
	checks = append(checks, boolProbeCheck("risk_policy", probes.PolicyLoaded,
		"risk policy is loaded", "risk policy is not loaded"))
	checks = append(checks, probeCheck("kill_switch", probes.KillSwitch))

	checks = append(checks, thresholdCheck("orders_simulated",
		snap.OrdersSimulated, MinOrdersSimulated))
	checks = append(checks, thresholdCheck("orders_submitted",
		snap.OrdersSubmitted, MinOrdersSubmitted))

	unintended := CheckResult{
		Name:     "unintended_orders",
		Status:   CheckPass,
		Severity: SeverityBlocker,
		Detail:   "no unintended orders observed",
	}
	if snap.UnintendedOrders > MaxUnintended {
		unintended.Status = CheckFail
		unintended.Detail = fmt.Sprintf("%d unintended orders observed, none are tolerated",
			snap.UnintendedOrders)
	}
	checks = append(checks, unintended)

	rejectRate := 0.0
	if evaluated := snap.RiskApproved + snap.RiskRejected; evaluated > 0 {
		rejectRate = float64(snap.RiskRejected) / float64(evaluated)
	}
	rate := CheckResult{
		Name:     "reject_rate",
		Status:   CheckPass,
		Severity: SeverityWarning,
		Detail:   fmt.Sprintf("risk reject rate %.1f%%", rejectRate*100),
	}
	if rejectRate > MaxRejectRate {
		rate.Status = CheckFail
		rate.Detail = fmt.Sprintf("risk reject rate %.1f%% exceeds %.0f%%, review agent sizing",
			rejectRate*100, MaxRejectRate*100)
	}
	checks = append(checks, rate)

	out := &Checklist{ReadyForLive: true, ChecksTotal: len(checks), Checks: checks}
	for _, check := range checks {
		if check.Status == CheckPass {
			out.ChecksPassed++
		}
		if check.Status == CheckFail && check.Severity == SeverityBlocker {
			out.ReadyForLive = false
		}
	}
	return out
}

func probeCheck(name string, probe func() error) CheckResult {
	if probe == nil {
		return CheckResult{Name: name, Status: CheckSkip, Severity: SeverityBlocker,
			Detail: "no probe configured"}
	}
	if err := probe(); err != nil {
		return CheckResult{Name: name, Status: CheckFail, Severity: SeverityBlocker,
			Detail: err.Error()}
	}
	return CheckResult{Name: name, Status: CheckPass, Severity: SeverityBlocker,
		Detail: "healthy"}
}

func boolProbeCheck(name string, probe func() bool, passDetail, failDetail string) CheckResult {
	if probe == nil {
		return CheckResult{Name: name, Status: CheckSkip, Severity: SeverityBlocker,
			Detail: "no probe configured"}
	}
	if !probe() {
		return CheckResult{Name: name, Status: CheckFail, Severity: SeverityBlocker,
			Detail: failDetail}
	}
	return CheckResult{Name: name, Status: CheckPass, Severity: SeverityBlocker,
		Detail: passDetail}
}

func thresholdCheck(name string, count, min int64) CheckResult {
	out := CheckResult{
		Name:     name,
		Status:   CheckPass,
		Severity: SeverityBlocker,
		Detail:   fmt.Sprintf("%d of %d required", count, min),
	}
	if count < min {
		out.Status = CheckFail
	}
	return out
}
