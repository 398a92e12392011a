package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medclare/medclare/internal/config"
	"github.com/medclare/medclare/internal/domain/evaluation"
	"github.com/medclare/medclare/internal/platform/auth"
	"github.com/medclare/medclare/internal/platform/db"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "medclare-server",
		Short:         "Medical report interpretation and verification API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(benchmarkCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, newLogger(cfg.IsDev()))
		},
	}
}

// openMigrator requires a database whatever STORAGE_DRIVER says.
func openMigrator(ctx context.Context) (*db.Migrator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	return db.OpenMigrator(ctx, cfg.DatabaseURL)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			v, err := m.Down(cmd.Context())
			if err != nil {
				return err
			}
			if v == 0 {
				fmt.Println("Nothing to roll back.")
				return nil
			}
			fmt.Printf("Rolled back migration %d.\n", v)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Version", "Name", "Status", "Applied At"})
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				tw.AppendRow(table.Row{s.Version, s.Name, status, appliedAt})
			}
			tw.Render()
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 access token signed with JWT_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			for _, r := range roles {
				if !auth.ValidRole(r) {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			tok, err := auth.IssueToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.JWTSigningKey),
			}, sub, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Subject (user id)")
	cmd.Flags().StringSlice("role", []string{auth.RolePatient}, "Role(s): patient, doctor or admin")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func benchmarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Print recent evaluation results and their averages",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for benchmark")
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if limit <= 0 {
				limit = evaluation.DefaultBenchmarkLimit
			}
			results, total, err := evaluation.NewResultRepoPG(pool).ListRecent(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}
			renderBenchmark(cmd, results, total)
			return nil
		},
	}
	cmd.Flags().Int("limit", evaluation.DefaultBenchmarkLimit, "Number of results to show")
	return cmd
}

func renderBenchmark(cmd *cobra.Command, results []*evaluation.Result, total int) {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.SetTitle(fmt.Sprintf("Evaluations (%d of %d)", len(results), total))
	tw.AppendHeader(table.Row{"Created", "Report", "Complete", "Safety", "Citations", "Halluc.", "Overall", "Grade"})
	for _, r := range results {
		tw.AppendRow(table.Row{
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.ReportID.String()[:8],
			r.CompletenessScore, r.SafetyScore, r.CitationDensity, r.HallucinationRisk, r.OverallScore,
			r.Grade,
		})
	}
	sum := evaluation.Summarize(results)
	grades := make([]string, 0, len(sum.Grades))
	for _, g := range sum.SortedGrades() {
		grades = append(grades, fmt.Sprintf("%s:%d", g, sum.Grades[g]))
	}
	tw.AppendFooter(table.Row{
		"Average", "",
		sum.Completeness, sum.Safety, sum.CitationDensity, sum.HallucinationRisk, sum.Overall,
		strings.Join(grades, " "),
	})
	tw.Render()
}
