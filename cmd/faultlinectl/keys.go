package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/faultline-io/faultline/internal/storage"
)

var errNothingToUpdate = errors.New("nothing to update: pass --name, --permissions, --ttl or --no-expiry")

func newKeysCommand(open opener) *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	keys.AddCommand(newKeysCreateCommand(open), newKeysListCommand(open),
		newKeysUpdateCommand(open), newKeysRevokeCommand(open))

	return keys
}

func newKeysCreateCommand(open opener) *cobra.Command {
	var (
		name        string
		clientID    string
		permissions []string
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Example: "  faultlinectl keys create --name checkout --permissions reports:write\n" +
			"  faultlinectl keys create --name oncall --permissions groups:read,groups:resolve --ttl 720h",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clientID == "" {
				clientID = name
			}

			if err := storage.ValidatePermissions(permissions); err != nil {
				return fmt.Errorf("%w (known: %s)", err, strings.Join(storage.AllPermissions(), ", "))
			}

			plaintext, err := storage.GenerateAPIKey(clientID)
			if err != nil {
				return err
			}

			key := &storage.APIKey{
				ID:          uuid.NewString(),
				Key:         plaintext,
				ClientID:    clientID,
				Name:        name,
				Permissions: permissions,
				CreatedAt:   time.Now().UTC(),
				Active:      true,
			}

			if ttl > 0 {
				expires := key.CreatedAt.Add(ttl)
				key.ExpiresAt = &expires
			}

			return withBackend(cmd.Context(), open, func(b *backend) error {
				if err := b.keys.Add(cmd.Context(), key); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				_, err := fmt.Fprintf(out, "id:          %s\nclient:      %s\npermissions: %s\nkey:         %s\n\n"+
					"Store the key now, it cannot be shown again.\n",
					key.ID, key.ClientID, strings.Join(key.Permissions, ","), plaintext)

				return err
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human readable key name")
	cmd.Flags().StringVar(&clientID, "client", "", "client id the key is issued to (default: --name)")
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "comma separated permissions")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "key lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("permissions")

	return cmd
}

func newKeysListCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "list <client-id>",
		Short: "List the active keys of a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), open, func(b *backend) error {
				keys, err := b.keys.ListByClient(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "ID\tNAME\tPERMISSIONS\tEXPIRES")

				for _, k := range keys {
					expires := "never"
					if k.ExpiresAt != nil {
						expires = k.ExpiresAt.Format(time.RFC3339)
					}

					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.ID, k.Name, strings.Join(k.Permissions, ","), expires)
				}

				return w.Flush()
			})
		},
	}
}

func newKeysUpdateCommand(open opener) *cobra.Command {
	var (
		name        string
		permissions []string
		ttl         time.Duration
		noExpiry    bool
	)

	cmd := &cobra.Command{
		Use:   "update <key-id>",
		Short: "Rename a key, replace its permissions or change its expiry",
		Example: "  faultlinectl keys update 0b6f... --permissions groups:read,stats:read\n" +
			"  faultlinectl keys update 0b6f... --ttl 2160h",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("name") && !flags.Changed("permissions") && !flags.Changed("ttl") && !noExpiry {
				return errNothingToUpdate
			}

			if flags.Changed("permissions") {
				if err := storage.ValidatePermissions(permissions); err != nil {
					return fmt.Errorf("%w (known: %s)", err, strings.Join(storage.AllPermissions(), ", "))
				}
			}

			return withBackend(cmd.Context(), open, func(b *backend) error {
				key, err := b.keys.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if flags.Changed("name") {
					key.Name = name
				}

				if flags.Changed("permissions") {
					key.Permissions = permissions
				}

				switch {
				case noExpiry:
					key.ExpiresAt = nil
				case flags.Changed("ttl"):
					expires := time.Now().UTC().Add(ttl)
					key.ExpiresAt = &expires
				}

				if err := b.keys.Update(cmd.Context(), key); err != nil {
					return err
				}

				expires := "never"
				if key.ExpiresAt != nil {
					expires = key.ExpiresAt.Format(time.RFC3339)
				}

				_, err = fmt.Fprintf(cmd.OutOrStdout(), "updated %s\nname:        %s\npermissions: %s\nexpires:     %s\n",
					key.ID, key.Name, strings.Join(key.Permissions, ","), expires)

				return err
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new key name")
	cmd.Flags().StringSliceVar(&permissions, "permissions", nil, "replacement permission list")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "new lifetime counted from now")
	cmd.Flags().BoolVar(&noExpiry, "no-expiry", false, "remove the expiry")
	cmd.MarkFlagsMutuallyExclusive("ttl", "no-expiry")

	return cmd
}

func newKeysRevokeCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Deactivate an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), open, func(b *backend) error {
				if err := b.keys.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}

				_, err := fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])

				return err
			})
		},
	}
}
