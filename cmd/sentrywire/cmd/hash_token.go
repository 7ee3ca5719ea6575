package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [admin-token]",
	Short: "Generate an argon2id hash for the admin bearer token",
	Long: `hash-token prints the argon2id PHC-format hash of the given token, suitable
for PROXY_ADMIN_TOKEN_HASH. Generate a token, hash it once here, and keep
only the hash in configuration; the admin surface never sees the
plaintext again.`,
	Args: cobra.ExactArgs(1),
	RunE: runHashToken,
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}

func runHashToken(cmd *cobra.Command, args []string) error {
	hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}
	fmt.Println(hash)
	return nil
}
