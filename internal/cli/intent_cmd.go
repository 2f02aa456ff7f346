package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tacitprotocol/tacit-sub000/internal/intent"
)

var (
	intentType    string
	intentDomain  string
	intentSeeking []string
	intentContext []string
	intentTTL     time.Duration
	intentMinAuth int
	intentPrivacy string
)

func init() {
	publishIntentCmd.Flags().StringVar(&intentType, "type", "seeking-collaborator", "intent type")
	publishIntentCmd.Flags().StringVar(&intentDomain, "domain", "professional", "intent domain")
	publishIntentCmd.Flags().StringSliceVar(&intentSeeking, "seeking", nil, "what the intent seeks (repeatable)")
	publishIntentCmd.Flags().StringSliceVar(&intentContext, "context", nil, "free-form context terms (repeatable)")
	publishIntentCmd.Flags().DurationVar(&intentTTL, "ttl", 7*24*time.Hour, "how long the intent stays active")
	publishIntentCmd.Flags().IntVar(&intentMinAuth, "min-auth", 0, "minimum peer authenticity score")
	publishIntentCmd.Flags().StringVar(&intentPrivacy, "privacy", string(intent.PrivacyPseudonym), "privacy level: anonymous, pseudonymous, or identified")

	intentCmd.AddCommand(publishIntentCmd)
	intentCmd.AddCommand(withdrawIntentCmd)
	intentCmd.AddCommand(listIntentsCmd)
	rootCmd.AddCommand(intentCmd)
}

var intentCmd = &cobra.Command{
	Use:   "intent",
	Short: "Publish, withdraw, and list intents",
}

var publishIntentCmd = &cobra.Command{
	Use:   "publish",
	Short: "Broadcast a signed intent for matching",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Shutdown()
		connectAgent(a, logger())

		in, err := a.PublishIntent(intentType, intentDomain, intentSeeking, intentContext,
			intent.Filters{MinAuthenticity: intentMinAuth},
			intent.PrivacyLevel(intentPrivacy), intentTTL)
		if err != nil {
			return err
		}
		fmt.Println(in.ID)
		return nil
	},
}

var withdrawIntentCmd = &cobra.Command{
	Use:   "withdraw <intent-id>",
	Short: "Withdraw a broadcast intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Shutdown()
		connectAgent(a, logger())
		return a.WithdrawIntent(args[0])
	},
}

var listIntentsCmd = &cobra.Command{
	Use:   "list",
	Short: "List this agent's active intents",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadAgent()
		if err != nil {
			return err
		}
		defer a.Shutdown()

		now := time.Now()
		for _, in := range a.ActiveIntents() {
			fmt.Printf("%s  %s/%s  seeking=%v  expires in %s\n",
				in.ID, in.Domain, in.Type, in.Seeking, in.ExpiresAt().Sub(now).Round(time.Minute))
		}
		return nil
	},
}
