package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/agent"
	"github.com/getathos/athos-agent/internal/api"
	"github.com/getathos/athos-agent/internal/config"
	"github.com/getathos/athos-agent/internal/credential"
)

var (
	loginEmail    string
	loginPassword string
	loginToken    string
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (default $ATHOS_PASSWORD)")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Use an existing access token instead of email/password")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and activate protection",
	Long: "Exchanges credentials for an access token and hands it to the running\n" +
		"agent. When no agent is running the token is stored for the next start.",
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and deactivate protection",
	Long:  "Reports the logout event and removes the stored access token.",
	RunE:  runLogout,
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	token := strings.TrimSpace(loginToken)
	if token == "" {
		password := loginPassword
		if password == "" {
			password = os.Getenv("ATHOS_PASSWORD")
		}
		if loginEmail == "" || password == "" {
			return errors.New("--email and --password (or --token) are required")
		}
		token, err = api.New(cfg.APIURL, cfg.RequestTimeout, cfg.UserAgent).Login(ctx, loginEmail, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	err = newLocalAgent(cfg.Listen).setCredential(ctx, token)
	if err == nil {
		fmt.Fprintln(out, "Logged in. Protection active.")
		return nil
	}
	if !errors.Is(err, errAgentDown) {
		return err
	}

	if err := withOfflineAgent(cfg, func(a *agent.Agent) error {
		return a.Creds.Set(ctx, token)
	}); err != nil {
		return err
	}
	fmt.Fprintln(out, "Logged in. Protection starts with the agent.")
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	err = newLocalAgent(cfg.Listen).clearCredential(ctx)
	if err == nil {
		fmt.Fprintln(out, "Logged out.")
		return nil
	}
	if !errors.Is(err, errAgentDown) {
		return err
	}

	if err := withOfflineAgent(cfg, func(a *agent.Agent) error {
		if !a.Creds.Present() {
			return nil
		}
		a.Reporter.ReportLogout(ctx)
		return a.Creds.Clear(ctx, credential.ReasonLogout)
	}); err != nil {
		return err
	}
	fmt.Fprintln(out, "Logged out.")
	return nil
}

// quietLogger raises log to warn for one-shot commands. A logger already
// above warn is returned as is.
func quietLogger(log *zap.Logger) *zap.Logger {
	if log.Core().Enabled(zap.InfoLevel) {
		return log.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}
	return log
}

// withOfflineAgent builds the agent without listeners, restores persisted
// state and runs fn against it.
func withOfflineAgent(cfg *config.Config, fn func(a *agent.Agent) error) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	a, err := agent.New(cfg, quietLogger(newLogger(cfg)))
	if err != nil {
		return err
	}
	if err := a.Load(context.Background()); err != nil {
		a.Close()
		return err
	}
	fnErr := fn(a)
	return errors.Join(fnErr, a.Close())
}
