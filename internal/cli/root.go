// Package cli implements remediationctl, the operator client for the approval gateway.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Exit codes reported by remediationctl.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitNotFound     = 3
	ExitInvalidState = 4
)

type app struct {
	server  string
	timeout time.Duration
	output  string
	stdout  io.Writer
	stderr  io.Writer
	client  *http.Client
}

// NewRootCommand returns the remediationctl command tree writing to the process streams.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

// NewRootCommandWithIO is NewRootCommand with caller-supplied streams.
func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	return newRootCommand(out, errOut)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "remediationctl",
		Short:         "Inspect and decide remediation proposals",
		Long:          "remediationctl talks to the remediation engine's HTTP gateway to list incidents and approve or reject proposed actions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			a.client = &http.Client{Timeout: a.timeout}
			return nil
		},
	}

	defaultServer := os.Getenv("MIRADOR_REMEDIATION_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&a.server, "server", defaultServer, "base URL of the remediation HTTP gateway")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 10*time.Second, "request timeout")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "output format: table or json")

	cmd.AddCommand(
		newListCmd(a),
		newInspectCmd(a),
		newApproveCmd(a),
		newRejectCmd(a),
	)
	return cmd
}

// ExitCode maps an error returned by the command tree to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "not_found":
			return ExitNotFound
		case "invalid_state", "conflict":
			return ExitInvalidState
		}
	}
	return ExitFailure
}

func (a *app) render(v any, table func(w io.Writer) error) error {
	switch strings.ToLower(strings.TrimSpace(a.output)) {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(a.stdout, string(b))
		return err
	case "table", "":
		return table(a.stdout)
	default:
		return fmt.Errorf("unsupported output format %q (use table or json)", a.output)
	}
}
