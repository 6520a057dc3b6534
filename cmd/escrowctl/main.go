// escrowctl is the operator CLI: reconcile stuck settlements, mint dev tokens, run migrations,
// and read a challenge's audit trail.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"commitment-escrow/backend/internal/app"
	"commitment-escrow/backend/internal/config"
	"commitment-escrow/backend/internal/db/migrate"
	"commitment-escrow/backend/internal/security"
)

const (
	exitSuccess    = 0
	exitError      = 1
	exitIncomplete = 2
)

// errIncomplete marks a reconcile run that left entries held.
var errIncomplete = errors.New("some entries are still held")

// cli carries the collaborators commands open lazily, so tests can swap them.
type cli struct {
	loadConfig func() (*config.Config, error)
	openApp    func(ctx context.Context, cfg *config.Config) (*app.App, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	c := &cli{loadConfig: config.Load, openApp: app.New}
	err := c.rootCmd().ExecuteContext(ctx)
	stop()
	switch {
	case err == nil:
		os.Exit(exitSuccess)
	case errors.Is(err, errIncomplete):
		os.Exit(exitIncomplete)
	default:
		os.Exit(exitError)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "escrowctl",
		Short:        "Operate the commitment escrow backend",
		SilenceUsage: true,
	}
	root.AddCommand(c.reconcileCmd(), c.tokenCmd(), c.migrateCmd(), c.auditCmd())
	return root
}

func (c *cli) reconcileCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reconcile <challenge-id>",
		Short: "Settle every entry still held on a decided challenge",
		Long: "Applies a completed or failed challenge's outcome to the ledger entries that are still held.\n" +
			"Safe to repeat. Exits 2 when some entries could not be settled.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			a, err := c.openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Settlement.ReconcileAsOperator(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "challenge %s: outcome %s, %d processed, %d failed\n", res.ChallengeID, res.Outcome, res.Processed, len(res.Failed()))
				for _, f := range res.Failed() {
					fmt.Fprintf(out, "  %s (%s): %s error: %s\n", f.TransactionID, f.IntentID, f.ErrorKind, f.Error)
				}
			}
			if !res.Complete() {
				return errIncomplete
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var sessionID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user (requires JWT_PRIVATE_KEY)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if ttl <= 0 {
				ttl = cfg.AccessTTL()
			}
			tokens, err := security.NewTokenProviderFromPEM(cfg.JWTPrivateKey, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience, ttl)
			if err != nil {
				return fmt.Errorf("jwt: %w", err)
			}
			token, exp, err := tokens.IssueAccess(args[0], sessionID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_ACCESS_TTL)")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate up|down|version",
		Short:     "Apply, roll back, or inspect the database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			if args[0] != "version" {
				if err := migrate.Run(cfg.DatabaseURL, args[0]); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return err
				}
			}
			v, dirty, err := migrate.Version(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}
	return cmd
}

func (c *cli) auditCmd() *cobra.Command {
	var limit, offset int32
	cmd := &cobra.Command{
		Use:   "audit <challenge-id>",
		Short: "List the audit trail of a challenge, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			a, err := c.openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.Audit.List(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintf(out, "no audit entries for %s\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tUSER\tACTION\tRESOURCE\tIP\tMETADATA")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.UserID, e.Action, e.Resource, e.IP, e.Metadata)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int32Var(&limit, "limit", 50, "maximum entries")
	cmd.Flags().Int32Var(&offset, "offset", 0, "entries to skip")
	return cmd
}
