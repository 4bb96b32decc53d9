package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/domain"
	"github.com/hochfrequenz/autobuild-orchestrator/internal/issues"
)

var (
	issuesRun      string
	issuesPhase    string
	issuesSeverity string
	issuesLimit    int
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Inspect the issue ledger",
}

var issuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded issues",
	RunE:  runIssuesList,
}

var issuesCountCmd = &cobra.Command{
	Use:   "count [RUN]",
	Short: "Show issue counts for a run, or project-wide",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIssuesCount,
}

func init() {
	issuesListCmd.Flags().StringVar(&issuesRun, "run", "", "filter by run ID")
	issuesListCmd.Flags().StringVar(&issuesPhase, "phase", "", "filter by phase ID")
	issuesListCmd.Flags().StringVar(&issuesSeverity, "severity", "", "filter by severity")
	issuesListCmd.Flags().IntVar(&issuesLimit, "limit", 50, "maximum issues to show")
	issuesCmd.AddCommand(issuesListCmd)
	issuesCmd.AddCommand(issuesCountCmd)
	rootCmd.AddCommand(issuesCmd)
}

func runIssuesList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.issues.List(issues.ListOptions{
		RunID:    issuesRun,
		PhaseID:  issuesPhase,
		Severity: domain.Severity(issuesSeverity),
		Limit:    issuesLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tSCOPE\tCATEGORY\tSOURCE\tMESSAGE")
	for _, issue := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			issue.Severity, issue.Scope, issue.Category, issue.Source,
			clip(issue.Message, 70))
	}
	w.Flush()
	return nil
}

func runIssuesCount(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var counts issues.SeverityCounts
	if len(args) == 1 {
		counts, err = a.issues.RunCounts(args[0])
	} else {
		counts, err = a.issues.ProjectCounts()
	}
	if err != nil {
		return err
	}

	fmt.Printf("minor: %d | major: %d | critical: %d\n",
		counts.Minor, counts.Major, counts.Critical)
	return nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
