package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/getathos/athos-agent/internal/agent"
	"github.com/getathos/athos-agent/internal/model"
)

var statusFormat string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "text", "Output format (text|json)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status",
	Long:  "Asks the running agent for its status. Falls back to the stored state\nwhen no agent is running.",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	running := true
	st, err := newLocalAgent(cfg.Listen).status(cmd.Context())
	if errors.Is(err, errAgentDown) {
		running = false
		err = withOfflineAgent(cfg, func(a *agent.Agent) error {
			st, err = a.Status(cmd.Context())
			return err
		})
	}
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), st, running)
}

func printStatus(w io.Writer, st model.AgentStatus, running bool) error {
	if statusFormat == "json" {
		out, err := json.MarshalIndent(struct {
			Running bool `json:"running"`
			model.AgentStatus
		}{running, st}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
		return nil
	}

	fmt.Fprintf(w, "Agent:        %s\n", onOff(running, "running", "stopped"))
	fmt.Fprintf(w, "Protection:   %s\n", onOff(st.Authenticated, "active", "inactive (not logged in)"))
	fmt.Fprintf(w, "Extension:    %s\n", onOff(st.ShimConnected, "connected", "disconnected"))
	fmt.Fprintf(w, "Policies:     %d (refreshed %s)\n", st.Policies, since(st.LastPolicyRefresh))
	fmt.Fprintf(w, "Prohibited:   %d domains (synced %s)\n", st.ProhibitedDomains, since(st.LastProhibitedSync))
	fmt.Fprintf(w, "Open tabs:    %d\n", st.Tabs)
	fmt.Fprintf(w, "Blocked:      %d\n", st.BlockedCount)
	return nil
}

func onOff(b bool, on, off string) string {
	if b {
		return on
	}
	return off
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
