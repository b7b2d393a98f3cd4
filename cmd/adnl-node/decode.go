package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/adnl/pkg/protocol"
)

var decodeBase64 bool

var decodeCmd = &cobra.Command{
	Use:   "decode <data>",
	Short: "Decode a TL-serialized value",
	Long: `decode prints a boxed TL value as JSON. Nested byte fields are decoded
too when they hold a known object, so a whole adnl.message.query with
its payload can be read in one go. Input is hex unless --base64 is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := decodeInput(args[0], decodeBase64)
		if err != nil {
			return fmt.Errorf("invalid input: %w", err)
		}
		extra, err := readSchema(cfg)
		if err != nil {
			return err
		}
		reg, err := protocol.NewInspectRegistry(extra)
		if err != nil {
			return err
		}

		if _, _, err := reg.DeserializeObject(data); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), render(reg, data))
		return nil
	},
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeBase64, "base64", false, "input is base64 rather than hex")
	rootCmd.AddCommand(decodeCmd)
}
