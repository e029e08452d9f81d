package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-remediation/internal/models"
)

func newListCmd(a *app) *cobra.Command {
	var (
		service string
		state   string
		open    bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List incidents, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := models.ListFilter{
				Service:  strings.TrimSpace(service),
				State:    models.State(strings.ToUpper(strings.TrimSpace(state))),
				OpenOnly: open,
				Limit:    limit,
			}
			if filter.State != "" && !filter.State.Valid() {
				return fmt.Errorf("unknown state %q", state)
			}
			incidents, err := a.listSessions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.render(incidents, func(w io.Writer) error { return printIncidentTable(w, incidents) })
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "only incidents of this service")
	cmd.Flags().StringVar(&state, "state", "", "only incidents in this state (e.g. PENDING_APPROVAL)")
	cmd.Flags().BoolVar(&open, "open", false, "only incidents that are not terminal")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of incidents (0 = no limit)")
	return cmd
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <incident-id>",
		Short: "Show one incident with its diagnosis and decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inc, err := a.inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.render(inc, func(w io.Writer) error { return printIncident(w, inc) })
		},
	}
}

func newApproveCmd(a *app) *cobra.Command {
	return newDecisionCmd(a, "approve", "Approve the proposed action of an incident")
}

func newRejectCmd(a *app) *cobra.Command {
	return newDecisionCmd(a, "reject", "Reject the proposed action of an incident")
}

func newDecisionCmd(a *app, verb, short string) *cobra.Command {
	var (
		actor   string
		note    string
		version int64
	)
	cmd := &cobra.Command{
		Use:   verb + " <incident-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return errors.New("--actor is required (or set USER)")
			}
			if version < 0 {
				return errors.New("--expected-version must be >= 0")
			}
			inc, err := a.decide(cmd.Context(), args[0], verb, decisionBody{
				Actor:           strings.TrimSpace(actor),
				Note:            note,
				ExpectedVersion: version,
			})
			if err != nil {
				return err
			}
			return a.render(inc, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "incident %s is now %s (version %d)\n", inc.ID, inc.State, inc.Version)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", os.Getenv("USER"), "who is deciding")
	cmd.Flags().StringVar(&note, "note", "", "free-form note stored with the decision")
	cmd.Flags().Int64Var(&version, "expected-version", 0, "fail with a conflict unless the incident is at this version")
	return cmd
}

func printIncidentTable(w io.Writer, incidents []models.Incident) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSERVICE\tSTATE\tVERSION\tTRIPS\tDETECTED\tACTION")
	for _, inc := range incidents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			inc.ID, inc.Service, inc.State, inc.Version, inc.TripCount,
			inc.DetectedAt.Format(time.RFC3339), actionLabel(inc))
	}
	return tw.Flush()
}

func printIncident(w io.Writer, inc models.Incident) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", inc.ID)
	fmt.Fprintf(tw, "Service:\t%s\n", inc.Service)
	fmt.Fprintf(tw, "State:\t%s\n", inc.State)
	fmt.Fprintf(tw, "Version:\t%d\n", inc.Version)
	fmt.Fprintf(tw, "Detected:\t%s\n", inc.DetectedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Trips:\t%d\n", inc.TripCount)
	if rate, ok := inc.LatestEvidence.ErrorRate(); ok {
		fmt.Fprintf(tw, "Error rate:\t%.3f (%d/%d)\n", rate, inc.LatestEvidence.ErrorCount, inc.LatestEvidence.TotalCount)
	}
	if inc.Diagnosis != nil {
		fmt.Fprintf(tw, "Diagnosis:\t%s\n", inc.Diagnosis.Summary)
		fmt.Fprintf(tw, "Action:\t%s\n", actionLabel(inc))
	}
	if !inc.ApprovalDeadline.IsZero() && inc.State == models.StatePendingApproval {
		fmt.Fprintf(tw, "Approve by:\t%s\n", inc.ApprovalDeadline.Format(time.RFC3339))
	}
	if inc.Decision != nil {
		verdict := "rejected"
		if inc.Decision.Approved {
			verdict = "approved"
		}
		fmt.Fprintf(tw, "Decision:\t%s by %s at %s\n", verdict, inc.Decision.Actor, inc.Decision.DecidedAt.Format(time.RFC3339))
		if inc.Decision.Note != "" {
			fmt.Fprintf(tw, "Note:\t%s\n", inc.Decision.Note)
		}
	}
	if inc.ExecutionResult != "" {
		fmt.Fprintf(tw, "Result:\t%s\n", inc.ExecutionResult)
	}
	if inc.FailureReason != "" {
		fmt.Fprintf(tw, "Failure:\t%s\n", inc.FailureReason)
	}
	return tw.Flush()
}

func actionLabel(inc models.Incident) string {
	if inc.Diagnosis == nil || !inc.Diagnosis.Action.Actionable() {
		return "-"
	}
	act := inc.Diagnosis.Action
	label := act.Type
	if act.Target != "" {
		label += " " + act.Target
	}
	keys := make([]string, 0, len(act.Parameters))
	for k := range act.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		label += " " + k + "=" + act.Parameters[k]
	}
	return label
}
