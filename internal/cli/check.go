package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/getathos/athos-agent/internal/agent"
	"github.com/getathos/athos-agent/internal/model"
	"github.com/getathos/athos-agent/internal/rpc"
)

var (
	checkRemote bool
	checkFormat string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkRemote, "remote", false, "Ask the running agent over its gRPC control service")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check <url>...",
	Short: "Show how the agent decides URLs",
	Long: "Classifies each URL against the policy cache and the prohibited list.\n" +
		"Uses the running agent when there is one, otherwise the stored state.\n" +
		"Nothing is reported or enforced.",
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

type classifier func(ctx context.Context, rawURL string) (model.Decision, error)

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if checkRemote {
		client, err := rpc.Dial(cfg.GRPCListen)
		if err != nil {
			return err
		}
		defer client.Close()
		return classifyAll(ctx, out, args, client.Lookup)
	}

	local := newLocalAgent(cfg.Listen)
	if _, err := local.status(ctx); err == nil {
		return classifyAll(ctx, out, args, local.lookup)
	} else if !errors.Is(err, errAgentDown) {
		return err
	}

	return withOfflineAgent(cfg, func(a *agent.Agent) error {
		return classifyAll(ctx, out, args, func(_ context.Context, rawURL string) (model.Decision, error) {
			return a.Engine.Classify(rawURL), nil
		})
	})
}

func classifyAll(ctx context.Context, w io.Writer, urls []string, classify classifier) error {
	type row struct {
		URL      string         `json:"url"`
		Decision model.Decision `json:"decision"`
	}
	rows := make([]row, 0, len(urls))
	for _, u := range urls {
		d, err := classify(ctx, u)
		if err != nil {
			return fmt.Errorf("%s: %w", u, err)
		}
		rows = append(rows, row{URL: u, Decision: d})
	}

	if checkFormat == "json" {
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
		return nil
	}
	for _, r := range rows {
		verdict := "ALLOW"
		if r.Decision.Verdict.Blocked() {
			verdict = "BLOCK"
		}
		fmt.Fprintf(w, "%-6s %s", verdict, r.URL)
		if r.Decision.Category != "" {
			fmt.Fprintf(w, " [%s]", r.Decision.Category)
		}
		fmt.Fprintf(w, " (%s)\n", r.Decision.Reason)
	}
	return nil
}
