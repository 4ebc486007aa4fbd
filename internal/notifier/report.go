package notifier

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"groupcast/internal/eventbus"
	"groupcast/internal/orchestrator"
)

// report renders an event. The second result is false for events that are
// filtered out or carry no report.
func (s *Service) report(e eventbus.Event) (string, bool) {
	switch e.Type {
	case eventbus.RunFinished:
		res, ok := e.Data.(orchestrator.RunResult)
		if !ok {
			return "", false
		}
		if len(s.cfg.ReportOn) > 0 && !slices.Contains(s.cfg.ReportOn, string(res.State)) {
			return "", false
		}
		return RunReport(res), true
	case eventbus.RiskDetected:
		m, _ := e.Data.(map[string]any)
		text := fmt.Sprintf("⚠️ risk halt for %s: %v", e.Identity, m["category"])
		if r, _ := m["reason"].(string); r != "" {
			text += " (" + r + ")"
		}
		if n, ok := m["failed"].(int); ok {
			text += fmt.Sprintf(", %d tasks failed", n)
		}
		return text, true
	case eventbus.JobFinished:
		m, _ := e.Data.(map[string]any)
		if st, _ := m["status"].(string); st != "failed" {
			return "", false
		}
		return fmt.Sprintf("❌ job %v for %s failed: %v", m["job_id"], e.Identity, m["error"]), true
	}
	return "", false
}

// RunReport renders a finished run for a chat.
func RunReport(res orchestrator.RunResult) string {
	var b strings.Builder
	icon := "✅"
	switch res.State {
	case orchestrator.StateHalted:
		icon = "⛔"
	case orchestrator.StateCancelled:
		icon = "⏹"
	}
	if res.Failed > 0 && res.State == orchestrator.StateCompleted {
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s run %s for %s\n", icon, res.State, res.Identity)
	fmt.Fprintf(&b, "subject: %s (%s)\n", res.SubjectID, res.Mode)
	fmt.Fprintf(&b, "completed %d, failed %d, cancelled %d of %d", res.Completed, res.Failed, res.Cancelled, len(res.Tasks))
	if res.TotalBatches > 0 {
		fmt.Fprintf(&b, " in %d batches, %d lanes", res.TotalBatches, res.Lanes)
	}
	b.WriteByte('\n')
	if n, m := len(res.DuplicateSkip), len(res.OverLimitSkip); n+m > 0 {
		fmt.Fprintf(&b, "skipped: %d duplicate, %d over limit\n", n, m)
	}
	if q := res.Quota; q.Limit > 0 {
		fmt.Fprintf(&b, "quota: %d/%d used (%s)\n", q.Used, q.Limit, q.Tier)
	}
	if res.Risk != nil {
		fmt.Fprintf(&b, "risk: %s\n", res.Risk)
	}
	if res.Error != "" && res.Risk == nil {
		fmt.Fprintf(&b, "error: %s\n", res.Error)
	}
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "took %s", res.FinishedAt.Sub(res.StartedAt).Round(time.Second))
	}
	return strings.TrimRight(b.String(), "\n")
}
