package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/getathos/athos-agent/internal/agent"
	"github.com/getathos/athos-agent/internal/model"
	"github.com/getathos/athos-agent/internal/rpc"
)

var (
	policiesRefresh bool
	policiesFormat  string
)

func init() {
	rootCmd.AddCommand(policiesCmd)
	policiesCmd.Flags().BoolVar(&policiesRefresh, "refresh", false, "Refresh policies and the prohibited list before listing")
	policiesCmd.Flags().StringVarP(&policiesFormat, "format", "f", "text", "Output format (text|json)")
}

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List cached policies",
	Long: "Lists the policy set the agent enforces. With --refresh, asks the\n" +
		"running agent to refresh over gRPC, or refreshes the stored cache\n" +
		"directly when no agent is running.",
	RunE: runPolicies,
}

func runPolicies(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	refreshed := false
	if policiesRefresh && cfg.GRPCListen != "" {
		if client, err := rpc.Dial(cfg.GRPCListen); err == nil {
			outcomes, err := client.Refresh(ctx)
			client.Close()
			if err == nil {
				printOutcomes(cmd, outcomes)
				refreshed = true
			}
		}
	}

	return withOfflineAgent(cfg, func(a *agent.Agent) error {
		if policiesRefresh && !refreshed {
			printOutcomes(cmd, a.RefreshAll(ctx))
		}
		policies := a.Policies.Current().Policies()
		sort.SliceStable(policies, func(i, j int) bool { return policies[i].Domain < policies[j].Domain })

		if policiesFormat == "json" {
			data, err := json.MarshalIndent(policies, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		if len(policies) == 0 {
			fmt.Fprintln(out, "No cached policies.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DOMAIN\tACTION\tCATEGORY\tSCOPE")
		for _, p := range policies {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Domain, p.Action, p.Category, scope(p))
		}
		return tw.Flush()
	})
}

func scope(p model.Policy) string {
	if p.Scoped() {
		return "group " + *p.GroupID
	}
	return "tenant"
}

func printOutcomes(cmd *cobra.Command, outcomes map[string]string) {
	fmt.Fprintf(cmd.ErrOrStderr(), "refresh: policies=%s prohibited=%s\n", outcomes["policies"], outcomes["prohibited"])
}
