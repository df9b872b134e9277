package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/domain/auth"
)

var hashSHA256 bool

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash a bearer token for use in config",
	Long: `Hash a bearer token for the auth.api_token or auth.admin_token fields.

By default the output is an Argon2id hash in PHC format. Pass --sha256 for
the lighter "sha256:<hex>" format; both are accepted by the server.

Example:
  policyshield hash-token "my-secret-token"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: the token will appear in shell history. Consider clearing
history after use or passing an environment variable:
  policyshield hash-token "$MY_API_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		if hashSHA256 {
			fmt.Printf("sha256:%s\n", auth.HashToken(token))
			return nil
		}
		hash, err := auth.HashTokenArgon2id(token)
		if err != nil {
			return fmt.Errorf("failed to hash token: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	hashTokenCmd.Flags().BoolVar(&hashSHA256, "sha256", false, "Emit a SHA-256 digest instead of Argon2id")
	rootCmd.AddCommand(hashTokenCmd)
}
