package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hie/gateway/internal/domain/consent"
	"github.com/hie/gateway/internal/platform/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the consent audit schema",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, db.Migrations, "migrations"))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// ledgerOps is what the operator commands need from the ledger.
type ledgerOps interface {
	Issue(ctx context.Context, patientID, facilityID string) (*consent.Record, error)
	Check(ctx context.Context, patientID, facilityID string) (consent.Reason, error)
	Revoke(ctx context.Context, patientID, facilityID string) (*consent.Record, error)
}

type historySource interface {
	History(ctx context.Context, patientID string, limit int) ([]consent.Event, error)
}

func consentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Inspect and change patient consent from the command line",
	}

	var patientID, facilityID string
	var limit int
	cmd.PersistentFlags().StringVar(&patientID, "patient", "", "Patient id")
	cmd.PersistentFlags().StringVar(&facilityID, "facility", "", "Facility (Organization) id")

	cmd.AddCommand(&cobra.Command{
		Use:   "issue",
		Short: "Grant a facility consent for a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, a *app) error {
				return issueConsent(ctx, cmd.OutOrStdout(), a.ledger, patientID, facilityID)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report whether a facility may access a patient's record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, a *app) error {
				return checkConsent(ctx, cmd.OutOrStdout(), a.ledger, patientID, facilityID)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke",
		Short: "Withdraw a facility's consent for a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, a *app) error {
				return revokeConsent(ctx, cmd.OutOrStdout(), a.ledger, patientID, facilityID)
			})
		},
	})

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show the recorded consent events for a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.history == nil {
					return errors.New("DATABASE_URL is required for consent history")
				}
				return printHistory(ctx, cmd.OutOrStdout(), a.history, patientID, limit)
			})
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	cmd.AddCommand(historyCmd)

	return cmd
}

func withLedger(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, newLogger(), false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func issueConsent(ctx context.Context, w io.Writer, l ledgerOps, patientID, facilityID string) error {
	rec, err := l.Issue(ctx, patientID, facilityID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Consent %s: %s\n", rec.ID, strings.Join(rec.FacilityIDs(), ", "))
	return nil
}

func checkConsent(ctx context.Context, w io.Writer, l ledgerOps, patientID, facilityID string) error {
	reason, err := l.Check(ctx, patientID, facilityID)
	verdict := "deny"
	if consent.Permitted(reason, err) {
		verdict = "allow"
	}
	fmt.Fprintf(w, "%s (%s)\n", verdict, reason)
	return err
}

func revokeConsent(ctx context.Context, w io.Writer, l ledgerOps, patientID, facilityID string) error {
	rec, err := l.Revoke(ctx, patientID, facilityID)
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Fprintln(w, "Consent revoked successfully (no change recorded)")
		return nil
	}
	fmt.Fprintf(w, "Consent revoked successfully; remaining: %s\n", strings.Join(rec.FacilityIDs(), ", "))
	return nil
}

func printHistory(ctx context.Context, w io.Writer, src historySource, patientID string, limit int) error {
	if strings.TrimSpace(patientID) == "" {
		return errors.New("--patient is required")
	}
	events, err := src.History(ctx, patientID, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%-20s %-10s %-12s %-20s %s\n", "AT", "ACTION", "OUTCOME", "FACILITY", "REASON")
	for _, e := range events {
		fmt.Fprintf(w, "%-20s %-10s %-12s %-20s %s\n",
			e.At.Format("2006-01-02 15:04:05"), e.Action, e.Outcome, e.FacilityID, e.Reason)
	}
	return nil
}
