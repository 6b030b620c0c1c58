package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/openfroyo/ignite/pkg/engine"
	"github.com/openfroyo/ignite/pkg/policy"
	"github.com/openfroyo/ignite/pkg/stores"
	"github.com/openfroyo/ignite/pkg/telemetry"
)

// maxCell truncates long results and errors in tables.
const maxCell = 60

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(w io.Writer, data pterm.TableData) error {
	return pterm.DefaultTable.
		WithHasHeader().
		WithWriter(w).
		WithData(data).
		Render()
}

// outcomeStyle colors report outcomes, run statuses and journal statuses.
// The three share their spellings.
func outcomeStyle(s string) *pterm.Style {
	switch s {
	case string(engine.OutcomeSucceeded), string(engine.EntrySuccess):
		return pterm.NewStyle(pterm.FgGreen)
	case string(engine.OutcomeAlreadySucceeded), string(engine.OutcomePlanned):
		return pterm.NewStyle(pterm.FgGray)
	case string(engine.OutcomeFailed):
		return pterm.NewStyle(pterm.FgRed, pterm.Bold)
	case string(engine.OutcomeDependencyFailed), string(engine.RunStatusPartial):
		return pterm.NewStyle(pterm.FgYellow)
	default:
		return pterm.NewStyle(pterm.FgCyan)
	}
}

func styled(s string) string {
	return outcomeStyle(s).Sprint(s)
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxCell {
		return s
	}
	return s[:maxCell-3] + "..."
}

func renderReport(w io.Writer, report *engine.Report, asJSON bool) error {
	if asJSON {
		return writeJSON(w, struct {
			*engine.Report
			Summary engine.Summary `json:"summary"`
		}{report, report.Summary()})
	}

	data := pterm.TableData{{"ACTION", "KIND", "OUTCOME", "ATTEMPTS", "RESULT"}}
	for _, a := range report.Actions {
		detail := string(a.Result)
		switch {
		case a.Error != "":
			detail = a.Error
		case a.BlockedBy != "":
			detail = "blocked by " + a.BlockedBy
		}
		data = append(data, []string{
			a.ID,
			string(a.Kind),
			styled(string(a.Outcome)),
			strconv.Itoa(a.Attempts),
			truncate(detail),
		})
	}
	if err := renderTable(w, data); err != nil {
		return err
	}

	s := report.Summary()
	_, err := fmt.Fprintf(w, "\n%s %s in %s: %d succeeded, %d already done, %d failed, %d blocked, %d cancelled, %d planned\n",
		report.Module, styled(string(report.Status)), report.Duration.Round(time.Millisecond),
		s.Succeeded, s.AlreadySucceeded, s.Failed, s.DependencyFailed, s.Cancelled, s.Planned)
	return err
}

func renderPlan(w io.Writer, m *engine.Module, plan *engine.ExecutionPlan, result *policy.Result) error {
	data := pterm.TableData{{"#", "LEVEL", "ACTION", "KIND", "DEPENDS ON", "STATE"}}
	for i, id := range plan.Order {
		action, _ := m.Action(id)
		state := "pending"
		if plan.IsSatisfied(id) {
			state = "done"
		}
		data = append(data, []string{
			strconv.Itoa(i + 1),
			strconv.Itoa(plan.Nodes[id].Level),
			id,
			string(action.Kind),
			strings.Join(plan.Nodes[id].Dependencies, ", "),
			state,
		})
	}
	if err := renderTable(w, data); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "\n%d action(s) in %d level(s): %d to execute, %d already done\n",
		len(plan.Order), len(plan.Levels), len(plan.ToExecute), len(plan.Satisfied)); err != nil {
		return err
	}
	return renderPolicyResult(w, result)
}

func renderPolicyResult(w io.Writer, result *policy.Result) error {
	if result == nil {
		return nil
	}
	for _, v := range result.Violations {
		style := pterm.NewStyle(pterm.FgYellow)
		if v.Severity.Blocking() {
			style = pterm.NewStyle(pterm.FgRed, pterm.Bold)
		}
		target := ""
		if v.Action != "" {
			target = " (" + v.Action + ")"
		}
		if _, err := fmt.Fprintf(w, "%s %s%s: %s\n", style.Sprint(string(v.Severity)), v.Policy, target, v.Message); err != nil {
			return err
		}
	}
	for _, e := range result.Errors {
		if _, err := fmt.Fprintf(w, "%s %s\n", pterm.NewStyle(pterm.FgRed).Sprint("error"), e); err != nil {
			return err
		}
	}
	if !result.Allowed {
		_, err := fmt.Fprintln(w, "policy would deny this deployment")
		return err
	}
	return nil
}

func renderEntries(w io.Writer, entries []engine.JournalEntry) error {
	data := pterm.TableData{{"ACTION", "STATUS", "ATTEMPTS", "RESULT", "UPDATED"}}
	for _, e := range entries {
		detail := string(e.Result)
		if e.Error != "" {
			detail = e.Error
		} else if e.Status == engine.EntryPending && e.Handle != "" {
			detail = "handle " + e.Handle
		}
		data = append(data, []string{
			e.ActionID,
			styled(string(e.Status)),
			strconv.Itoa(e.Attempts),
			truncate(detail),
			e.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(w, data)
}

func renderHistory(w io.Writer, history []stores.HistoryEntry) error {
	data := pterm.TableData{{"SEQ", "STATUS", "ATTEMPTS", "RESULT", "WRITTEN"}}
	for _, h := range history {
		detail := string(h.Result)
		if h.Error != "" {
			detail = h.Error
		}
		data = append(data, []string{
			strconv.FormatInt(h.Seq, 10),
			styled(string(h.Status)),
			strconv.Itoa(h.Attempts),
			truncate(detail),
			h.WrittenAt.Local().Format(time.DateTime),
		})
	}
	return renderTable(w, data)
}

func renderRuns(w io.Writer, runs []stores.RunRecord) error {
	data := pterm.TableData{{"RUN", "MODULE", "STATUS", "STARTED", "DURATION", "SUCCEEDED", "FAILED"}}
	for _, r := range runs {
		data = append(data, []string{
			r.ID,
			r.Module,
			styled(string(r.Status)),
			r.StartedAt.Local().Format(time.DateTime),
			r.Duration.Round(time.Millisecond).String(),
			strconv.Itoa(r.Summary.Succeeded + r.Summary.AlreadySucceeded),
			strconv.Itoa(r.Summary.Failed + r.Summary.DependencyFailed),
		})
	}
	return renderTable(w, data)
}

func renderEvents(w io.Writer, events []telemetry.Event) error {
	data := pterm.TableData{{"TIME", "TYPE", "ACTION", "MESSAGE"}}
	for _, e := range events {
		data = append(data, []string{
			e.Timestamp.Local().Format(time.TimeOnly),
			e.Type,
			e.ActionID,
			truncate(e.Message),
		})
	}
	return renderTable(w, data)
}

// progressPrinter prints action lifecycle events as they happen.
func progressPrinter(w io.Writer) telemetry.EventSubscriber {
	return func(e telemetry.Event) {
		var prefix *pterm.Style
		switch e.Type {
		case telemetry.EventTypeActionSucceeded:
			prefix = pterm.NewStyle(pterm.FgGreen)
		case telemetry.EventTypeActionFailed:
			prefix = pterm.NewStyle(pterm.FgRed)
		case telemetry.EventTypeActionRetrying, telemetry.EventTypeActionSkipped:
			prefix = pterm.NewStyle(pterm.FgYellow)
		default:
			prefix = pterm.NewStyle(pterm.FgCyan)
		}
		fmt.Fprintf(w, "%s %s %s\n", prefix.Sprint(fmt.Sprintf("%-18s", e.Type)), e.ActionID, e.Message)
	}
}
