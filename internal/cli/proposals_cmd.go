package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	proposalsCmd.AddCommand(listProposalsCmd)
	proposalsCmd.AddCommand(acceptProposalCmd)
	proposalsCmd.AddCommand(declineProposalCmd)
	rootCmd.AddCommand(proposalsCmd)
}

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Review and answer introduction proposals",
}

var listProposalsCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending introduction proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Shutdown()

		for _, p := range a.PendingProposals() {
			from := p.Persona.DisplayName
			if from == "" {
				from = "(anonymous)"
			}
			fmt.Printf("%s  from=%s  score=%d  expires=%s\n",
				p.ID, from, p.Match.Score, p.Terms.ExpiresAt.Format("2006-01-02"))
		}
		return nil
	},
}

var acceptProposalCmd = &cobra.Command{
	Use:   "accept <proposal-id>",
	Short: "Accept an introduction proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Shutdown()
		connectAgent(a, logger())
		return a.AcceptProposal(args[0])
	},
}

var declineProposalCmd = &cobra.Command{
	Use:   "decline <proposal-id>",
	Short: "Decline an introduction proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Shutdown()
		connectAgent(a, logger())
		return a.DeclineProposal(args[0])
	},
}
