package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getathos/athos-agent/internal/audit"
)

var (
	showDomain string
	showAction string
	showSince  time.Duration
	showFormat string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditShowCmd.Flags().StringVar(&showDomain, "domain", "", "Only entries for this domain and its subdomains")
	auditShowCmd.Flags().StringVar(&showAction, "action", "", "Only entries with this action (e.g. bloqueado)")
	auditShowCmd.Flags().DurationVar(&showSince, "since", 0, "Only entries newer than this (e.g. 24h)")
	auditShowCmd.Flags().StringVarP(&showFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Local audit trail operations",
	Long:  "Commands for verifying and inspecting the hash-chained local audit trail.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the audit trail",
	Long: "Walks the JSONL audit trail and validates that every entry's prev_hash\n" +
		"matches the SHA-256 of the previous entry. Fails if the trail was altered.",
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditVerify,
}

var auditShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Show audit trail entries as a timeline",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditShow,
}

func trailPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.AuditPath(), nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := trailPath(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if !result.Valid {
		return fmt.Errorf("audit trail FAILED at line %d: %s", result.ErrorLine, result.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)
	return nil
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	path, err := trailPath(args)
	if err != nil {
		return err
	}
	filter := audit.Filter{Domain: showDomain, Action: showAction}
	if showSince > 0 {
		filter.From = time.Now().Add(-showSince)
	}
	result, err := audit.Query(path, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if showFormat == "json" {
		s, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		return nil
	}
	fmt.Fprint(out, audit.FormatTimeline(result))
	return nil
}
