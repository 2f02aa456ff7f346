package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tacitprotocol/tacit-sub000/internal/agent"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new agent identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := loadProfile()
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}

		exists, err := agent.HasIdentity(store)
		if err != nil {
			store.Close()
			return err
		}
		if exists {
			store.Close()
			return errors.New("an identity already exists in this store")
		}

		a, err := agent.New(store, profile, logger())
		if err != nil {
			store.Close()
			return err
		}
		fmt.Println(a.DID())
		return a.Shutdown()
	},
}
