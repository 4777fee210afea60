package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/miniclaw/miniclaw/internal/compliance"
	"github.com/miniclaw/miniclaw/internal/config"
	"github.com/miniclaw/miniclaw/internal/distributed"
	"github.com/miniclaw/miniclaw/internal/runhistory"
	"github.com/miniclaw/miniclaw/internal/secrets"
	"github.com/miniclaw/miniclaw/internal/sessions"
	"github.com/miniclaw/miniclaw/internal/usage"
)

// loadStores opens the on-disk stores the maintenance commands operate on.
func loadStores() (*config.Config, *sessions.Store, *runhistory.Store, *usage.Ledger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger := slog.Default()
	sess, err := sessions.NewStore(cfg.Sessions.Dir, cfg.Workspace, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	runs, err := runhistory.NewStore(cfg.RunHistory.Path, cfg.RunHistory.MaxRecords)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, sess, runs, usage.New(cfg.Usage, logger), nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace, sessions, and recent run summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sess, runs, ledger, err := loadStores()
			if err != nil {
				return err
			}
			fmt.Printf("Workspace: %s\n", cfg.Workspace)
			fmt.Printf("Sessions:  %d\n", len(sess.List()))

			recent, err := runs.Recent(5)
			if err != nil {
				return err
			}
			fmt.Printf("Recent runs:\n")
			for _, r := range recent {
				fmt.Printf("  %s  %-10s %s\n", r.RunID, r.Status, r.SessionKey)
			}
			if sum, err := ledger.Window(24 * time.Hour); err == nil && sum.Records > 0 {
				fmt.Printf("Last 24h:  %d runs, %d tokens, $%.4f\n", sum.Records, sum.Total, sum.CostUSD)
			}
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage conversation sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List persisted sessions",
			RunE: func(cmd *cobra.Command, args []string) error {
				_, sess, _, _, err := loadStores()
				if err != nil {
					return err
				}
				for _, key := range sess.List() {
					fmt.Println(key)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset <session-key>",
			Short: "Clear one session's history",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, sess, _, _, err := loadStores()
				if err != nil {
					return err
				}
				if err := sess.Reset(args[0], "cli", "operator"); err != nil {
					return err
				}
				fmt.Println("Session reset.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset-all",
			Short: "Clear every session's history",
			RunE: func(cmd *cobra.Command, args []string) error {
				_, sess, _, _, err := loadStores()
				if err != nil {
					return err
				}
				n, err := sess.BulkReset("cli", "operator")
				if err != nil {
					return err
				}
				fmt.Printf("Reset %d sessions.\n", n)
				return nil
			},
		},
	)
	return cmd
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show archived runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, runs, _, err := loadStores()
			if err != nil {
				return err
			}
			recent, err := runs.Recent(limit)
			if err != nil {
				return err
			}
			for _, r := range recent {
				line := fmt.Sprintf("%s  %-10s %-20s tokens=%d", r.RunID, r.Status, r.SessionKey, r.Usage.TotalTokens)
				if r.Error != "" {
					line += "  error=" + r.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}

func newSecretCmd() *cobra.Command {
	openStore := func() (secrets.Store, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return secrets.Open(cfg.Secrets, slog.Default())
	}

	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage namespaced secrets",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <namespace> <key>",
			Short: "Store a secret (value read from stdin)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				fmt.Fprint(os.Stderr, "Value: ")
				reader := bufio.NewReader(os.Stdin)
				value, err := reader.ReadString('\n')
				if err != nil && value == "" {
					return err
				}
				if err := store.Set(args[0], args[1], strings.TrimRight(value, "\r\n")); err != nil {
					return err
				}
				fmt.Println("Stored.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <namespace> <key>",
			Short: "Print a secret value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				v, err := store.Get(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <namespace> <key>",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				return store.Delete(args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "list <namespace>",
			Short: "List secret keys in a namespace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				keys, err := store.List(args[0])
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Println(k)
				}
				return nil
			},
		},
	)
	return cmd
}

func newClusterCmd() *cobra.Command {
	openManager := func() (*distributed.Manager, *config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		mgr, err := distributed.NewManager(cfg.Distributed, slog.Default())
		return mgr, cfg, err
	}

	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Inspect the distributed node/task store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "nodes",
			Short: "List registered nodes",
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, cfg, err := openManager()
				if err != nil {
					return err
				}
				nodes, err := mgr.Nodes()
				if err != nil {
					return err
				}
				timeout := time.Duration(cfg.Distributed.HeartbeatTimeoutSeconds) * time.Second
				now := time.Now()
				for _, n := range nodes {
					state := "dead"
					if n.Alive(now, timeout) {
						state = "alive"
					}
					fmt.Printf("%s  %-5s %-24s %s\n", n.NodeID, state, n.Address, strings.Join(n.Capabilities, ","))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "dispatch <capability>...",
			Short: "Dispatch a task to a capable node",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				mgr, _, err := openManager()
				if err != nil {
					return err
				}
				task, err := mgr.DispatchTask(args, nil, "")
				if err != nil {
					return err
				}
				fmt.Printf("Task %s assigned to %s\n", task.TaskID, task.AssignedNodeID)
				return nil
			},
		},
	)
	return cmd
}

func newComplianceCmd() *cobra.Command {
	openService := func() (*compliance.Service, error) {
		cfg, sess, runs, ledger, err := loadStores()
		if err != nil {
			return nil, err
		}
		return compliance.New(cfg.Compliance, sess, runs, ledger, slog.Default()), nil
	}

	cmd := &cobra.Command{
		Use:   "compliance",
		Short: "Retention, export, and purge operations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sweep",
			Short: "Apply the retention policy",
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := openService()
				if err != nil {
					return err
				}
				res, err := svc.RetentionSweep()
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d sessions, %d runs, %d usage records.\n",
					res.SessionsDeleted, res.RunsPurged, res.UsagePurged)
				return nil
			},
		},
		&cobra.Command{
			Use:   "export <session-key>...",
			Short: "Export session data as JSON to stdout",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := openService()
				if err != nil {
					return err
				}
				data, err := svc.Export(args)
				if err != nil {
					return err
				}
				os.Stdout.Write(data)
				return nil
			},
		},
		&cobra.Command{
			Use:   "purge <session-key>...",
			Short: "Delete all data for the given sessions",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, err := openService()
				if err != nil {
					return err
				}
				res, err := svc.Purge(args)
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d sessions, %d runs, %d usage records.\n",
					res.SessionsDeleted, res.RunsPurged, res.UsagePurged)
				return nil
			},
		},
	)
	return cmd
}
