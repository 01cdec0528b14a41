package loop

import (
	"fmt"
	"sort"
	"strings"
)

// Summarize renders the closing markdown summary the Document phase
// records. It references every reviewed proposal with its decision so the
// run's delta history is readable without replaying the transcript.
func Summarize(run *TaskRun, test *TestResult, reviews []ReviewRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&b, "**Objective:** %s\n\n", run.Objective)

	if retries := run.Retries[PhaseBuild]; retries > 0 {
		fmt.Fprintf(&b, "Build phase retried %d time(s).\n\n", retries)
	}

	if test != nil {
		b.WriteString("## Tests\n\n")
		if test.Passed {
			b.WriteString("Tests passed.\n")
		} else {
			b.WriteString("Tests failed.\n")
		}
		for _, name := range sortedCoverageNames(test.Coverage) {
			fmt.Fprintf(&b, "- %s coverage: %.0f%%\n", name, test.Coverage[name]*100)
		}
		for _, a := range test.Artifacts {
			fmt.Fprintf(&b, "- artifact: %s\n", a)
		}
		b.WriteString("\n")
	}

	if len(reviews) > 0 {
		b.WriteString("## Deltas\n\n")
		for _, r := range reviews {
			// A review without a decision was blocked before the
			// governor could rule, typically by the permission gate.
			status := "blocked"
			detail := ""
			switch {
			case r.Decision == nil:
			case r.Decision.Accepted:
				status = "accepted"
			default:
				status = "rejected"
				detail = fmt.Sprintf(" (%s)", r.Decision.Category)
			}
			fmt.Fprintf(&b, "- `%s` targeting `%s`: %s%s\n", r.Proposal.ID, r.Proposal.TargetKey, status, detail)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func sortedCoverageNames(coverage map[string]float64) []string {
	names := make([]string, 0, len(coverage))
	for name := range coverage {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
