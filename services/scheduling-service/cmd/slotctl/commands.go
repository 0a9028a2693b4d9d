package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/md-rashed-zaman/slotengine/libs/db"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/model"
	"github.com/md-rashed-zaman/slotengine/services/scheduling-service/internal/storage"
)

// withEnv loads settings, connects and runs fn under the command timeout.
func withEnv(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, e *env) error) error {
	s, err := loadSettings(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), s.Timeout)
	defer cancel()
	e, err := connect(ctx, s)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func migrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the scheduling schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, v, func(ctx context.Context, e *env) error {
				version, err := db.Migrate(ctx, e.pool, storage.Migrations, storage.MigrationsDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, v, func(ctx context.Context, e *env) error {
				return db.MigrationStatus(ctx, e.pool, storage.Migrations, storage.MigrationsDir)
			})
		},
	})
	return cmd
}

type generateOptions struct {
	businessID string
	providerID string
	from       string
	days       int
}

func (o generateOptions) dates() ([]string, error) {
	if strings.TrimSpace(o.businessID) == "" || strings.TrimSpace(o.providerID) == "" {
		return nil, fmt.Errorf("--business and --provider are required")
	}
	if o.days < 1 || o.days > 366 {
		return nil, fmt.Errorf("--days must be between 1 and 366")
	}
	start, err := model.ParseDate(o.from)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, o.days)
	for i := 0; i < o.days; i++ {
		out = append(out, start.AddDate(0, 0, i).Format(model.DateLayout))
	}
	return out, nil
}

func generateCmd(v *viper.Viper) *cobra.Command {
	var opts generateOptions
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate and reconcile slots for a provider over a date range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dates, err := opts.dates()
			if err != nil {
				return err
			}
			return withEnv(cmd, v, func(ctx context.Context, e *env) error {
				for _, raw := range dates {
					date, _ := model.ParseDate(raw)
					slots, err := e.svc.EnsureSlotsGenerated(ctx, opts.businessID, opts.providerID, date)
					if err != nil {
						return fmt.Errorf("%s: %w", raw, err)
					}
					emergency := 0
					for _, s := range slots {
						if s.EmergencyOnly {
							emergency++
						}
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d slots\t%d emergency\n", raw, len(slots), emergency)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.businessID, "business", "", "business id")
	cmd.Flags().StringVar(&opts.providerID, "provider", "", "provider id")
	cmd.Flags().StringVar(&opts.from, "from", "", "first date, YYYY-MM-DD")
	cmd.Flags().IntVar(&opts.days, "days", 14, "number of days")
	return cmd
}

func purgeCmd(v *viper.Viper) *cobra.Command {
	var businessID, appointmentID, actor string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Hard-delete an appointment and free its slot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if businessID == "" || appointmentID == "" {
				return fmt.Errorf("--business and --appointment are required")
			}
			return withEnv(cmd, v, func(ctx context.Context, e *env) error {
				if err := e.svc.PurgeAppointment(ctx, businessID, appointmentID, actor); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", appointmentID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&businessID, "business", "", "business id")
	cmd.Flags().StringVar(&appointmentID, "appointment", "", "appointment id")
	cmd.Flags().StringVar(&actor, "actor", "slotctl", "recorded as the actor on the purge event")
	return cmd
}
