// Package main provides clinicctl, the operator CLI for the clinic services.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/api/middleware"
	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/config"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/consent"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/domain/procedure"
	"github.com/dohealth/clinicflow/internal/infrastructure/postgres"
	"github.com/dohealth/clinicflow/internal/infrastructure/redpanda"
	redisinfra "github.com/dohealth/clinicflow/internal/infrastructure/redis"
	"github.com/dohealth/clinicflow/internal/logging"
	"github.com/dohealth/clinicflow/internal/realtime"
	"github.com/dohealth/clinicflow/internal/worker"
	"github.com/dohealth/clinicflow/internal/workflow"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicctl",
		Short:        "Operate the clinic services",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env loads configuration and a logger for one command run
func env() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Server.Env, "clinicctl")
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.Database.URL, MaxConns: 2})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := postgres.Migrate(cmd.Context(), pool, logger)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the embedded migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := postgres.Migrations()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
			return nil
		},
	})
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	withAdmin := func(fn func(ctx context.Context, a *redpanda.Admin, cfg *config.Config) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := redpanda.HealthCheck(ctx, cfg.Kafka.Brokers); err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			return fn(ctx, admin, cfg)
		}
	}

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create the clinic topics when missing",
	}
	replication := ensure.Flags().Int16("replication", 1, "replication factor of new topics")
	ensure.RunE = withAdmin(func(ctx context.Context, a *redpanda.Admin, _ *config.Config) error {
		created, err := a.EnsureTopics(ctx, *replication)
		if err != nil {
			return err
		}
		if len(created) == 0 {
			fmt.Println("all topics exist")
			return nil
		}
		fmt.Println("created", strings.Join(created, ", "))
		return nil
	})

	list := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: withAdmin(func(ctx context.Context, a *redpanda.Admin, _ *config.Config) error {
			names, err := a.ListTopics(ctx)
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(names, "\n"))
			return nil
		}),
	}

	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show the worker consumer group lag per topic",
		RunE: withAdmin(func(ctx context.Context, a *redpanda.Admin, cfg *config.Config) error {
			lags, err := a.GetConsumerGroupLag(ctx, cfg.Kafka.GroupID)
			if err != nil {
				return err
			}
			for topic, n := range lags {
				fmt.Printf("%s\t%d\n", topic, n)
			}
			return nil
		}),
	}

	cmd.AddCommand(ensure, list, lag)
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark overdue scheduled appointments as No Show once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			rdb, err := redisinfra.NewClient(ctx, redisinfra.Config{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err != nil {
				return err
			}
			defer rdb.Close()

			wf := workflow.NewService(workflow.Deps{
				Appointments: appointment.NewRepository(pool, logger),
				Encounters:   encounter.NewRepository(pool),
				Procedures:   procedure.NewRepository(pool),
				Consents:     consent.NewRepository(pool),
				Patients:     patient.NewRepository(pool),
				Publisher:    realtime.NewRedisPublisher(rdb, nil, nil, logger),
				Tx:           postgres.NewTxRunner(pool),
			}, workflow.Config{
				NoShowGrace:      cfg.Workflow.NoShowGrace,
				WaitingListLimit: cfg.Workflow.WaitingListLimit,
				Location:         cfg.Location(),
			}, nil, logger)

			sweeper := worker.NewSweeper(wf, redisinfra.NewLocker(rdb, "clinic:lock:"), worker.DefaultSweeperConfig(), logger)
			n, ran, err := sweeper.RunOnce(ctx)
			if err != nil {
				return err
			}
			if !ran {
				fmt.Fprintln(cmd.OutOrStdout(), "another worker holds the sweep lock")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %d appointments as No Show\n", n)
			return nil
		},
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the event outbox",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print pending, processed and failed entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env()
			if err != nil {
				return err
			}
			defer logger.Sync()

			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			stats, err := postgres.NewOutbox(pool, nil, postgres.DefaultOutboxConfig(), logger).GetStats(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for the clinic API",
		Args:  cobra.ExactArgs(1),
	}
	name := cmd.Flags().String("name", "", "full name carried in the token")
	roles := cmd.Flags().StringSlice("role", nil, "role granted to the user (repeatable)")
	ttl := cmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		token, err := middleware.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer,
			&auth.User{ID: args[0], FullName: *name, Roles: *roles}, *ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	}
	return cmd
}
