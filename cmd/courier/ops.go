package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/courier/agent"
	"github.com/GoCodeAlone/courier/internal/app"
	"github.com/GoCodeAlone/courier/internal/version"
	"github.com/GoCodeAlone/courier/provider"
	"github.com/GoCodeAlone/courier/provider/mock"
	"github.com/GoCodeAlone/courier/server"
	"github.com/GoCodeAlone/courier/update"
)

var (
	pollLocal  bool
	pollOnce   bool
	pollDryRun bool

	tokenTTL time.Duration

	updateCheckOnly bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printf(cmd, "%s\n", version.String("courier"))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and queue counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := remote()
		if err != nil {
			return err
		}
		st, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), st)
		}
		renderStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run a consumer that claims and executes pending tasks",
	Long: `Run a polling consumer. Tasks are claimed one at a time in FIFO order,
drafted with the configured LLM providers, and completed with the reply.

By default the consumer talks to courierd over HTTP. With --local it opens
the configured store directly and also runs the timeout and retention
sweeps, which suits a single-machine setup.

Examples:
  courier poll
  courier poll --once
  courier poll --dry-run
  courier poll --local --config /etc/courier.yaml`,
	Args: cobra.NoArgs,
	RunE: runPoll,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail timed-out tasks and delete old terminal ones",
	Long: `Run one liveness sweep and one retention sweep against the configured
store. courierd and "courier poll --local" do this on a timer.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.Open(cmd.Context(), cfg, app.NewLogger(cfg))
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		expired, swept, err := a.Janitor.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), map[string]int{"expired": expired, "swept": swept})
		}
		printf(cmd, "expired %d, swept %d\n", expired, swept)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage auth tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <subject>",
	Short: "Mint a bearer token; the subject becomes the caller identity",
	Long: `Mint an HS256 token signed with auth.jwt_secret. For a consumer, use its
consumer id as the subject: the server records the subject as claimed_by.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := cfg.Auth.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		tok, err := server.IssueToken(cfg.Auth.JWTSecret, args[0], ttl)
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", tok)
		return nil
	},
}

var tokenHashCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Read a password from stdin and print its bcrypt hash for auth.admin_pass_hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		hash, err := server.HashPassword(strings.TrimRight(line, "\r\n"))
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", hash)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Replace this binary with the latest release",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		u := update.New(version.Version)
		rel, err := u.CheckForUpdate(cmd.Context())
		if err != nil {
			return err
		}
		if rel == nil {
			printf(cmd, "courier %s is up to date\n", version.Version)
			return nil
		}
		if updateCheckOnly {
			printf(cmd, "update available: %s\n", rel.Version)
			return nil
		}
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		if err := u.ApplyUpdate(cmd.Context(), rel, exe); err != nil {
			return err
		}
		printf(cmd, "updated to %s\n", rel.Version)
		return nil
	},
}

func runPoll(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var queue agent.Queue
	if pollLocal {
		a, err := app.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck
		queue = a.Service
		if !pollOnce {
			done := make(chan struct{})
			go func() {
				defer close(done)
				a.Janitor.Run(ctx) //nolint:errcheck
			}()
			defer func() {
				stop()
				<-done
			}()
		}
	} else {
		queue = newClient(cfg)
	}

	var llm provider.Provider = mock.EchoProvider()
	if !pollDryRun {
		if llm, err = provider.FromConfig(cfg.Consumer.Providers, cfg.Providers, logger); err != nil {
			return err
		}
	}
	p, err := agent.NewPoller(agent.Config{
		ID:           cfg.Consumer.ID,
		Queue:        queue,
		Executor:     &agent.ProviderExecutor{Provider: llm, SystemPrompt: cfg.Consumer.SystemPrompt},
		PollInterval: cfg.Consumer.PollInterval,
		TaskTimeout:  cfg.Consumer.TaskTimeout,
		StatePath:    cfg.Consumer.StatePath,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	logger.Info("consumer ready",
		slog.String("provider", llm.Name()),
		slog.Bool("local", pollLocal),
	)

	if pollOnce {
		n, err := p.PollOnce(ctx)
		if err != nil {
			return err
		}
		printf(cmd, "resolved %d task(s)\n", n)
		return nil
	}
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func init() {
	pollCmd.Flags().BoolVar(&pollLocal, "local", false, "use the configured store directly instead of courierd")
	pollCmd.Flags().BoolVar(&pollOnce, "once", false, "run a single poll and exit")
	pollCmd.Flags().BoolVar(&pollDryRun, "dry-run", false, "skip the LLM and complete each task with its own instruction")

	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
	tokenCmd.AddCommand(tokenIssueCmd, tokenHashCmd)

	updateCmd.Flags().BoolVar(&updateCheckOnly, "check", false, "only report whether an update is available")

	rootCmd.AddCommand(versionCmd, statusCmd, pollCmd, sweepCmd, tokenCmd, updateCmd)
}
