package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/medflow/medflow/internal/domain/directory"
	"github.com/medflow/medflow/internal/domain/provisioning"
	"github.com/medflow/medflow/internal/platform/auth"
	"github.com/medflow/medflow/internal/platform/db"
)

// withPlatform loads configuration, connects and runs fn. Management commands
// run uninstrumented.
func withPlatform(fn func(ctx context.Context, p *platform) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	p, err := newPlatform(ctx, cfg, newLogger(cfg.Env), nil)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(ctx, p)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run control database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(func(ctx context.Context, p *platform) error {
				count, err := p.migrateControl(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(func(ctx context.Context, p *platform) error {
				statuses, err := db.NewMigrator(p.control, db.ControlMigrations()).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	var req provisioning.CreateTenantRequest
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a new tenant database and owner account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Password == "" {
				req.Password = os.Getenv("MEDFLOW_OWNER_PASSWORD")
			}
			return withPlatform(func(ctx context.Context, p *platform) error {
				tenant, err := p.tenants.CreateTenant(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s created (database %s).\n", tenant.ID, tenant.DatabaseLocator)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&req.Name, "name", "", "Hospital name")
	createCmd.Flags().StringVar(&req.Subdomain, "subdomain", "", "Tenant subdomain")
	createCmd.Flags().StringVar(&req.OwnerName, "owner-name", "", "Owner's full name")
	createCmd.Flags().StringVar(&req.OwnerEmail, "owner-email", "", "Owner's email address")
	createCmd.Flags().StringVar(&req.Password, "password", "", "Owner password (or MEDFLOW_OWNER_PASSWORD)")
	createCmd.Flags().StringVar(&req.PlanID, "plan", "", "Pricing plan id")
	createCmd.Flags().StringVar(&req.BillingCycle, "cycle", "", "Billing cycle: MONTHLY or YEARLY")
	cmd.AddCommand(createCmd)

	deleteCmd := &cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Drop a tenant database and remove it from the directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id %q", args[0])
			}
			return withPlatform(func(ctx context.Context, p *platform) error {
				if err := p.tenants.DeleteTenant(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s deleted.\n", id)
				return nil
			})
		},
	}
	cmd.AddCommand(deleteCmd)

	var status string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlatform(func(ctx context.Context, p *platform) error {
				tenants, total, err := p.store.ListTenants(ctx, directory.Page{
					Limit:  limit,
					Status: directory.TenantStatus(status),
				})
				if err != nil {
					return err
				}
				printTenants(cmd, tenants, total)
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, ACTIVE, SUSPENDED)")
	listCmd.Flags().IntVar(&limit, "limit", 100, "Maximum tenants to list")
	cmd.AddCommand(listCmd)

	return cmd
}

func printTenants(cmd *cobra.Command, tenants []*directory.Tenant, total int) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSUBDOMAIN\tNAME\tSTATUS\tDATABASE")
	for _, t := range tenants {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Subdomain, t.Name, t.Status, t.DatabaseLocator)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "%d of %d tenant(s)\n", len(tenants), total)
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage platform administrators",
	}

	var email, name, password string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a platform administrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("MEDFLOW_ADMIN_PASSWORD")
			}
			if email == "" || name == "" || len(password) < 8 || len(password) > auth.MaxPasswordBytes {
				return fmt.Errorf("--email, --name and a password of 8 to %d bytes are required", auth.MaxPasswordBytes)
			}
			return withPlatform(func(ctx context.Context, p *platform) error {
				hash, err := p.hasher.Hash(ctx, password)
				if err != nil {
					return err
				}
				admin, err := p.store.CreateAdministrator(ctx, email, name, hash)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Administrator %s created (%s).\n", admin.Email, admin.ID)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&email, "email", "", "Administrator email")
	createCmd.Flags().StringVar(&name, "name", "", "Administrator name")
	createCmd.Flags().StringVar(&password, "password", "", "Administrator password (or MEDFLOW_ADMIN_PASSWORD)")
	cmd.AddCommand(createCmd)

	return cmd
}
