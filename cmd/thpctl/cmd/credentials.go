package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/thp/pkg/credential"
	"github.com/ZentaChain/thp/pkg/crypto"
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage stored pairing credentials",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices this host is paired with",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := cfg.Backend()
		if err != nil {
			return err
		}
		db, err := openStore(b)
		if err != nil {
			return err
		}
		defer db.Close()

		creds, err := db.List()
		if err != nil {
			return fmt.Errorf("failed to list credentials: %w", err)
		}
		if len(creds) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No credentials stored.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tHOST NAME\tAUTOCONNECT\tLAST USED")
		for _, c := range creds {
			var meta credential.Metadata
			if raw, _, err := credential.ParseCredential(c.Credential); err == nil {
				meta, _ = credential.UnmarshalMetadata(raw)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n",
				c.DeviceStaticKey, meta.HostName, meta.Autoconnect,
				time.Unix(c.LastUsed, 0).Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <device-static-key>",
	Short: "Forget the credential for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.ParseKey(args[0])
		if err != nil {
			return err
		}
		b, err := cfg.Backend()
		if err != nil {
			return err
		}
		db, err := openStore(b)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Delete(key); err != nil {
			return fmt.Errorf("failed to delete credential: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credential for %s deleted.\n", crypto.Fingerprint(key))
		return nil
	},
}

func init() {
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsDeleteCmd)
	rootCmd.AddCommand(credentialsCmd)
}
