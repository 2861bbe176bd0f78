package cmd

import (
	"fmt"
	"log"

	"github.com/TomasGnG/discord-bot/bot"
	"github.com/spf13/cobra"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash an operator API token for use as api.token_hash",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hash, err := bot.HashAPIToken(args[0])
		if err != nil {
			log.Fatalf("error hashing token: %s", err.Error())
		}
		fmt.Println(hash)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
