package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tacitprotocol/tacit-sub000/internal/agent"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent against the relay until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadAgent()
		if err != nil {
			return err
		}
		log := logger().With().Str("did", a.DID()).Logger()

		a.Subscribe(func(ev agent.Event) {
			switch ev.Kind {
			case agent.EventSuggestion:
				log.Info().
					Str("peer", ev.Match.Peer).
					Int("score", ev.Match.Score).
					Str("match", ev.Match.MatchID).
					Msg("introduction suggested, review with `tacit-agent proposals`")
			case agent.EventProposalReceived:
				log.Info().
					Str("proposal", ev.Proposal.ID).
					Str("from", ev.Proposal.Persona.DisplayName).
					Msg("introduction proposal received")
			case agent.EventProposalAccepted:
				log.Info().Str("proposal", ev.Proposal.ID).Msg("peer accepted the introduction")
			case agent.EventProposalDeclined:
				log.Info().Str("proposal", ev.Proposal.ID).Msg("peer declined the introduction")
			case agent.EventOffline:
				log.Warn().Err(ev.Err).Msg("relay connection lost")
			}
		})

		if !connectAgent(a, log) {
			a.Shutdown()
			return errors.New("relay connection required for run")
		}
		log.Info().Str("relay", relayURL).Msg("agent online")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		return a.Shutdown()
	},
}
