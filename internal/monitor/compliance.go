package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quorumsec/aegis/internal/events"
)

// Compliance standards tracked out of the box. Requirements may name others.
const (
	StandardGDPR  = "GDPR"
	StandardSOC2  = "SOC2"
	StandardHIPAA = "HIPAA"
	StandardPCI   = "PCI-DSS"
)

// Requirement is one obligation under a compliance standard.
type Requirement struct {
	ID                 string
	Standard           string
	Category           string
	Description        string
	VerificationMethod string
}

// CheckFunc verifies a requirement. It returns whether the check passed, a
// human-readable detail line, and optional structured extras.
type CheckFunc func(ctx context.Context) (bool, string, map[string]any)

// Check is a registered verification for a requirement.
type Check struct {
	ID            string
	RequirementID string
	CheckType     string
	Run           CheckFunc
}

// CheckResult is one executed check.
type CheckResult struct {
	CheckID       string
	RequirementID string
	Standard      string
	Passed        bool
	Details       string
	Extras        map[string]any
	RanAt         time.Time
}

// StandardSummary aggregates results for one standard.
type StandardSummary struct {
	Standard string
	Total    int
	Passed   int
}

// Report is a full compliance run.
type Report struct {
	GeneratedAt time.Time
	Results     []CheckResult
	Standards   []StandardSummary
	// OverallCompliance is the passed share across all checks, 0..100.
	OverallCompliance float64
}

// RegisterRequirement catalogs a compliance requirement.
func (m *Manager) RegisterRequirement(req Requirement) error {
	if req.ID == "" || req.Standard == "" {
		return fmt.Errorf("requirement id and standard are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requirements[req.ID]; exists {
		return fmt.Errorf("requirement %s already registered", req.ID)
	}
	m.requirements[req.ID] = &req
	return nil
}

// RegisterCheck attaches a verification to a registered requirement.
func (m *Manager) RegisterCheck(check Check) error {
	if check.ID == "" || check.Run == nil {
		return fmt.Errorf("check id and callable are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, known := m.requirements[check.RequirementID]; !known {
		return fmt.Errorf("check %s references unknown requirement %s", check.ID, check.RequirementID)
	}
	m.checks[check.RequirementID] = append(m.checks[check.RequirementID], &check)
	return nil
}

// RunComplianceReport executes every registered check and aggregates the
// results per standard. Check callables run outside the manager lock.
func (m *Manager) RunComplianceReport(ctx context.Context) *Report {
	m.mu.RLock()
	type boundCheck struct {
		check    *Check
		standard string
	}
	bound := make([]boundCheck, 0)
	for reqID, checks := range m.checks {
		req := m.requirements[reqID]
		for _, check := range checks {
			bound = append(bound, boundCheck{check: check, standard: req.Standard})
		}
	}
	m.mu.RUnlock()

	sort.Slice(bound, func(i, j int) bool { return bound[i].check.ID < bound[j].check.ID })

	now := m.clock.Now()
	report := &Report{GeneratedAt: now}
	perStandard := make(map[string]*StandardSummary)
	passed := 0
	for _, bc := range bound {
		ok, details, extras := bc.check.Run(ctx)
		report.Results = append(report.Results, CheckResult{
			CheckID:       bc.check.ID,
			RequirementID: bc.check.RequirementID,
			Standard:      bc.standard,
			Passed:        ok,
			Details:       details,
			Extras:        extras,
			RanAt:         now,
		})
		summary := perStandard[bc.standard]
		if summary == nil {
			summary = &StandardSummary{Standard: bc.standard}
			perStandard[bc.standard] = summary
		}
		summary.Total++
		if ok {
			summary.Passed++
			passed++
		}
		m.bus.EmitSync(ctx, events.Event{
			Topic:  events.TopicComplianceCheckRun,
			Source: "monitor",
			Data: map[string]any{
				"check_id": bc.check.ID, "requirement_id": bc.check.RequirementID,
				"standard": bc.standard, "passed": ok,
			},
		})
	}

	for _, summary := range perStandard {
		report.Standards = append(report.Standards, *summary)
	}
	sort.Slice(report.Standards, func(i, j int) bool {
		return report.Standards[i].Standard < report.Standards[j].Standard
	})
	if len(report.Results) > 0 {
		report.OverallCompliance = 100 * float64(passed) / float64(len(report.Results))
	}

	m.logger.Info("compliance report built",
		"checks", len(report.Results), "overall", report.OverallCompliance)
	m.bus.EmitSync(ctx, events.Event{
		Topic:  events.TopicComplianceReportBuilt,
		Source: "monitor",
		Data: map[string]any{
			"checks": len(report.Results), "overall_compliance": report.OverallCompliance,
		},
	})
	return report
}
