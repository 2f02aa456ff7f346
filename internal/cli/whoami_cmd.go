package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show this agent's identifier and authenticity standing",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Shutdown()

		vec := a.RecomputeAuthenticity()
		fmt.Println(a.DID())
		fmt.Printf("score=%d level=%s\n", vec.Score, vec.Level)
		fmt.Printf("tenure=%.2f consistency=%.2f attestations=%.2f network-trust=%.2f\n",
			vec.Tenure, vec.Consistency, vec.Attestations, vec.NetworkTrust)
		return nil
	},
}
