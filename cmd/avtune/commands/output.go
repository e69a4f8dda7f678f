package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/avtune/avtune/pkg/engine"
	"github.com/avtune/avtune/pkg/recipes"
)

// maxDetail caps the detail column; full output stays in the history record.
const maxDetail = 60

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// firstLine returns the first non-empty line of s, shortened to maxDetail.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxDetail {
			return line[:maxDetail-3] + "..."
		}
		return line
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func actionDetail(rec engine.ActionRecord) string {
	if rec.Result == engine.ActionSkipped && rec.Output == "" {
		return string(rec.Disposition)
	}
	return orDash(firstLine(rec.Output))
}

// renderRunSummary writes the console summary of a session: header, one row
// per action, counts, then the failed actions so a re-run can target them.
func renderRunSummary(w io.Writer, report *engine.RunReport) {
	s := report.Session
	fmt.Fprintf(w, "Session:  %s\n", s.ID)
	fmt.Fprintf(w, "Device:   %s\n", s.Hostname)
	fmt.Fprintf(w, "Recipe:   %s\n", s.RecipeName)
	fmt.Fprintf(w, "Status:   %s\n", s.Status)
	if s.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", s.Error)
	}

	if len(s.Actions) > 0 {
		fmt.Fprintln(w)
		tw := newTable(w)
		fmt.Fprintln(tw, "ACTION\tRESULT\tDETAIL")
		for _, rec := range s.Actions {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Action, rec.Result, actionDetail(rec))
		}
		_ = tw.Flush()
	}

	sum := s.Summary
	fmt.Fprintf(w, "\n%d actions: %d succeeded, %d failed, %d skipped\n",
		sum.TotalActions, sum.Succeeded, sum.Failed, sum.Skipped)

	if failed := s.FailedActions(); len(failed) > 0 {
		fmt.Fprintln(w, "Failed actions:")
		for _, name := range failed {
			fmt.Fprintf(w, "  - %s\n", name)
		}
	}
	renderWarnings(w, report.PolicyWarnings, report.Warnings)
}

func renderWarnings(w io.Writer, policy []engine.PolicyViolation, other []string) {
	for _, v := range policy {
		fmt.Fprintf(w, "Policy warning: [%s] %s\n", v.Policy, v.Message)
	}
	for _, msg := range other {
		fmt.Fprintf(w, "Warning: %s\n", msg)
	}
}

// renderPlan writes a plan as a table.
func renderPlan(w io.Writer, plan *engine.ExecutionPlan) {
	fmt.Fprintf(w, "Plan for %s on %s (%s)\n\n", plan.Recipe, plan.Hostname, plan.OS)

	tw := newTable(w)
	fmt.Fprintln(tw, "#\tACTION\tMODULE\tDISPOSITION\tCURRENT")
	for _, entry := range plan.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			entry.Index+1, entry.Name, orDash(entry.Module), entry.Disposition, orDash(firstLine(entry.Current)))
	}
	_ = tw.Flush()

	sum := plan.Summary
	fmt.Fprintf(w, "\n%d actions: %d to apply, %d already satisfied, %d unsupported\n",
		sum.Total, sum.NeedsApply, sum.AlreadySatisfied, sum.Unsupported)
}

func platformList(platforms []engine.OSFamily) string {
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}

func renderRecipeList(w io.Writer, summaries []recipes.RecipeSummary) {
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tPLATFORMS\tACTIONS\tDESCRIPTION")
	for _, s := range summaries {
		if s.Error != "" {
			fmt.Fprintf(tw, "%s\t-\t-\terror: %s\n", s.Name, firstLine(s.Error))
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Name, platformList(s.Platforms), s.Actions, orDash(s.Description))
	}
	_ = tw.Flush()
}

// renderRecipe writes the recipe header followed by the actions each
// platform would run.
func renderRecipe(w io.Writer, recipe *engine.Recipe) {
	fmt.Fprintf(w, "Name:         %s\n", recipe.Name)
	if recipe.Description != "" {
		fmt.Fprintf(w, "Description:  %s\n", recipe.Description)
	}
	if recipe.Version != "" {
		fmt.Fprintf(w, "Version:      %s\n", recipe.Version)
	}
	if recipe.Category != "" {
		fmt.Fprintf(w, "Category:     %s\n", recipe.Category)
	}
	fmt.Fprintf(w, "Source:       %s\n", recipe.Source)

	for _, platform := range recipe.Platforms {
		fmt.Fprintf(w, "\n%s:\n", platform)
		tw := newTable(w)
		for _, action := range recipe.Actions {
			spec := action.SpecFor(platform)
			if spec == nil {
				fmt.Fprintf(tw, "  %s\tunsupported\t-\n", action.Name)
				continue
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", action.Name, spec.Module, orDash(spec.Verify))
		}
		_ = tw.Flush()
	}
}

func renderDevices(w io.Writer, devices []*engine.Device) {
	tw := newTable(w)
	fmt.Fprintln(tw, "HOSTNAME\tOS\tADDRESS\tPROFILE\tTAGS\tLAST SEEN")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Hostname, d.OS, d.Address(), orDash(d.Profile),
			orDash(strings.Join(d.Tags, ",")), formatTime(d.LastSeen))
	}
	_ = tw.Flush()
}

func renderHistory(w io.Writer, sessions []*engine.Session) {
	tw := newTable(w)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tRECIPE\tSTATUS\tOK/FAILED/SKIPPED\tBY")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d/%d\t%s\n",
			s.ID, formatTime(s.StartedAt), s.RecipeName, s.Status,
			s.Summary.Succeeded, s.Summary.Failed, s.Summary.Skipped, orDash(s.ExecutedBy))
	}
	_ = tw.Flush()
}

func renderFacts(w io.Writer, info *engine.DeviceInfo) {
	fmt.Fprintf(w, "Hostname:  %s\n", info.Hostname)
	fmt.Fprintf(w, "OS:        %s %s\n", info.OS, info.OSVersion)
	if info.Kernel != "" {
		fmt.Fprintf(w, "Kernel:    %s\n", info.Kernel)
	}
	if info.Arch != "" {
		fmt.Fprintf(w, "Arch:      %s\n", info.Arch)
	}
	hw := info.Hardware
	fmt.Fprintf(w, "CPU:       %s (%d cores)\n", orDash(hw.CPU), hw.CPUCores)
	fmt.Fprintf(w, "Memory:    %.1f GB\n", hw.MemoryGB)

	if len(hw.NICs) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := newTable(w)
	fmt.Fprintln(tw, "NIC\tMAC\tSPEED\tADDRESSES")
	for _, nic := range hw.NICs {
		speed := "-"
		if nic.SpeedMbps > 0 {
			speed = fmt.Sprintf("%d Mb/s", nic.SpeedMbps)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", nic.Name, orDash(nic.MAC), speed, orDash(strings.Join(nic.Addresses, ",")))
	}
	_ = tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
