package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"taskhub/internal/crypto"
	"taskhub/internal/httpapi"
	"taskhub/internal/providers"
	"taskhub/internal/providers/registry"
)

func providersCmd() *cobra.Command {
	var capability string
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the providers that would be registered with the current environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var c providers.Capability
			if capability != "" {
				var ok bool
				if c, ok = providers.ParseCapability(strings.ToLower(capability)); !ok {
					return fmt.Errorf("unknown capability %q", capability)
				}
			}
			reg, err := registry.Build(cfg.Providers, registry.Deps{Logger: log.Logger})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVENDOR\tCAPABILITIES\tCOST/UNIT\tLIMIT")
			for _, d := range reg.List(c) {
				caps := make([]string, 0, len(d.Capabilities))
				for _, dc := range d.Capabilities {
					caps = append(caps, string(dc))
				}
				limit := "-"
				if d.RequestLimit > 0 {
					limit = fmt.Sprintf("%d/%s", d.RequestLimit, d.RequestLimitWindow)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%s\n", d.ID, d.Vendor, strings.Join(caps, ","), d.CostPerUnit, limit)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&capability, "capability", "c", "", "only list providers for chat, payment or push")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer store.Close()
			log.Info().Str("driver", store.Driver()).Msg("migrations applied")
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied migrations (postgres only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.MigrationStatus(cmd.Context())
		},
	})
	return cmd
}

func rotateKeysCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "rotate-keys",
		Short: "Re-seal stored device tokens under the current master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()
			keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
			if err != nil {
				return fmt.Errorf("initialize keyring: %w", err)
			}

			devices, err := store.ListDevices(ctx, "")
			if err != nil {
				return err
			}
			rotated := 0
			for _, d := range devices {
				stale, err := keyring.NeedsRotation(d.EncToken)
				if err != nil {
					log.Warn().Err(err).Str("device_id", d.ID).Msg("unreadable token envelope")
					continue
				}
				if !stale {
					continue
				}
				if dryRun {
					rotated++
					continue
				}
				sealed, err := keyring.Rotate(d.EncToken, d.SealOwner())
				if err != nil {
					log.Warn().Err(err).Str("device_id", d.ID).Msg("token rotation failed")
					continue
				}
				if err := store.UpdateDeviceToken(ctx, d.ID, sealed); err != nil {
					return err
				}
				rotated++
			}
			log.Info().
				Int("devices", len(devices)).
				Int("rotated", rotated).
				Bool("dry_run", dryRun).
				Str("key_id", keyring.CurrentKeyID()).
				Msg("key rotation finished")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count stale tokens without rewriting them")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := httpapi.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
