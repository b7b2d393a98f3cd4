package main

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/adnl/pkg/crypto"
	"github.com/ZentaChain/adnl/pkg/storage"
)

var (
	keygenName string
	keygenList bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the node identity or show the existing one",
	Long: `keygen loads the named identity from the node database, creating it
when missing, and prints its public key and key-ids. With --list it
prints every stored identity instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := storage.Open(cfg.Node.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		out := cmd.OutOrStdout()
		if keygenList {
			keys, err := db.KeyStore().List()
			if err != nil {
				return fmt.Errorf("failed to list keys: %w", err)
			}
			for _, k := range keys {
				fmt.Fprintf(out, "%-16s %s  %s\n", k.Name, k.KeyID, time.Unix(k.CreatedAt, 0).UTC().Format(time.RFC3339))
			}
			return nil
		}

		name := keygenName
		if name == "" {
			name = cfg.Node.KeyName
		}
		id, created, err := db.KeyStore().LoadOrCreate(name)
		if err != nil {
			return fmt.Errorf("failed to load key %q: %w", name, err)
		}

		if created {
			fmt.Fprintf(out, "Created identity %q\n", name)
		} else {
			fmt.Fprintf(out, "Identity %q\n", name)
		}
		fmt.Fprintf(out, "  public key:     %s\n", base64.StdEncoding.EncodeToString(id.PublicKey()))
		fmt.Fprintf(out, "  key-id:         %s\n", id.KeyID())
		fmt.Fprintf(out, "  server key-id:  %s\n", crypto.TLKeyIDOf(id.PublicKey()))
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenName, "name", "", "identity name (default is node.key_name)")
	keygenCmd.Flags().BoolVar(&keygenList, "list", false, "list stored identities")
	rootCmd.AddCommand(keygenCmd)
}
