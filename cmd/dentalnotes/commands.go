package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/dentalnotes/internal/license"
	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/spf13/cobra"
)

func newLicenseCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Inspect and change licenses",
	}
	cmd.AddCommand(
		newLicenseGetCmd(a),
		newLicenseUpsertCmd(a),
		newLicenseSetActiveCmd(a, "activate", true),
		newLicenseSetActiveCmd(a, "deactivate", false),
	)
	return cmd
}

func newLicenseGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <user-id>",
		Short: "Show the license for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			lic, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, license.ErrNotFound) {
					return fmt.Errorf("no license for user %q", args[0])
				}
				return err
			}
			return a.printJSON(lic)
		},
	}
}

func newLicenseUpsertCmd(a *app) *cobra.Command {
	var (
		grant models.LicenseGrant
		plan  string
	)

	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or replace a license",
		Long: `Create or replace a license. Replacing a license resets its usage
and starts a new billing cycle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			grant.PlanType = models.PlanType(plan)

			svc, closeFn, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			lic, err := svc.Upsert(cmd.Context(), grant)
			if err != nil {
				return err
			}
			return a.printJSON(lic)
		},
	}

	cmd.Flags().StringVar(&grant.UserID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&grant.Email, "email", "", "account email (required)")
	cmd.Flags().StringVar(&plan, "plan", string(models.PlanStarter), "plan: starter, pro or enterprise")
	cmd.Flags().IntVar(&grant.NotesLimit, "notes-limit", 0, "notes per cycle (0 uses the plan default)")
	cmd.Flags().StringVar(&grant.ExternalCustomerID, "customer", "", "Stripe customer id")
	cmd.Flags().StringVar(&grant.ExternalSubscriptionID, "subscription", "", "Stripe subscription id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newLicenseSetActiveCmd(a *app, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <subscription-id>",
		Short: fmt.Sprintf("Mark the license bound to a subscription %sd", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			lic, err := svc.SetActive(cmd.Context(), args[0], active)
			if err != nil {
				if errors.Is(err, license.ErrNotFound) {
					return fmt.Errorf("no license bound to subscription %q", args[0])
				}
				return err
			}
			return a.printJSON(lic)
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for a licensed user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := a.codec()
			if err != nil {
				return err
			}

			svc, closeFn, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			lic, err := svc.Get(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, license.ErrNotFound) {
					return fmt.Errorf("no license for user %q", args[0])
				}
				return err
			}

			token, expiresAt, err := codec.Issue(lic.UserID, lic.Email, lic.PlanType, ttl)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"access_token": token,
				"token_type":   "bearer",
				"expires_at":   expiresAt,
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_EXPIRATION_MINUTES)")
	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reset usage for licenses whose billing cycle has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			reset, err := license.NewReconciler(svc, nil, a.logger).Run(cmd.Context())
			fmt.Fprintf(a.out, "reset %d license(s)\n", reset)
			return err
		},
	}
}

func newUsageCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize active licenses by plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			stats, err := svc.UsageStats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return a.printJSON(stats)
			}

			plans := make([]string, 0, len(stats.PlanBreakdown))
			for p := range stats.PlanBreakdown {
				plans = append(plans, string(p))
			}
			sort.Strings(plans)

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLAN\tUSERS\tNOTES USED\tNOTES LIMIT")
			for _, p := range plans {
				u := stats.PlanBreakdown[models.PlanType(p)]
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", p, u.Users, u.NotesUsed, u.NotesLimit)
			}
			fmt.Fprintf(w, "total\t%d\t%d\t\n", stats.TotalUsers, stats.TotalNotesUsed)
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
