package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SiriusScan/codescan/sirius/store"
)

func newAPIKeyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys stored in Valkey",
	}

	var label string
	create := &cobra.Command{
		Use:   "create",
		Short: "Generate a key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := openKV(c.cfg)
			if err != nil {
				return err
			}
			defer kv.Close()

			raw, err := store.GenerateAPIKey()
			if err != nil {
				return err
			}
			meta, err := store.StoreAPIKey(cmd.Context(), kv, raw, label)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✅ Created API key %q\n", meta.Label)
			fmt.Fprintf(out, "   id:  %s\n", meta.ID)
			fmt.Fprintf(out, "   key: %s\n", raw)
			fmt.Fprintln(out, "   The key is not stored and cannot be shown again.")
			return nil
		},
	}
	create.Flags().StringVar(&label, "label", "", "label to remember the key by")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete a key by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := openKV(c.cfg)
			if err != nil {
				return err
			}
			defer kv.Close()

			if err := store.RevokeAPIKey(cmd.Context(), kv, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Revoked API key %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, revoke)
	return cmd
}
