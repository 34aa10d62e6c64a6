package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/craigderington/realmtunnel/internal/api"
)

var (
	tokenSecret  string
	tokenRole    string
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the daemon API",
	Long: `Sign a token with the daemon's --auth-secret.

Roles:
  - viewer:   read-only access (list, status, history, watch)
  - operator: everything, including connect and disconnect`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "signing secret (or REALMCTL_AUTH_SECRET)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", api.RoleViewer, "token role: viewer or operator")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "realmctl", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	secret := tokenSecret
	if secret == "" {
		secret = viper.GetString("auth_secret")
	}
	if secret == "" {
		return errors.New("a signing secret is required (--secret)")
	}

	token, err := api.NewAuthMiddleware(secret, tokenTTL).GenerateToken(tokenSubject, tokenRole)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
