package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dturbay/secmgr/pkg/auth/kerberos"
)

var keytabCmd = &cobra.Command{
	Use:   "keytab",
	Short: "Keytab utilities",
}

var keytabInspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Print the service principal of the first keytab entry",
	Long: `Inspect reads the keytab at the given path and prints the principal
name of its first entry in "service/host@REALM" form.

Useful when configuring the gateway: the printed principal is what
service_principal should be set to for that keytab.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		principal, err := kerberos.ParseKeytabPrincipal(args[0])
		if err != nil {
			return err
		}
		fmt.Println(principal)
		return nil
	},
}

func init() {
	keytabCmd.AddCommand(keytabInspectCmd)
}
