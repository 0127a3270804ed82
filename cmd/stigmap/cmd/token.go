package cmd

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/openctemio/stigmap/pkg/jwt"
)

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		issuer  string
		subject string
		ttl     time.Duration
		scopes  []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Long: `Issue signs a bearer token with the server's JWT secret. A token without
--scope may read and write; pass --scope mappings:read for read-only access.

The secret defaults to AUTH_JWT_SECRET.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("AUTH_JWT_SECRET")
			}
			if secret == "" {
				return errors.New("--secret or AUTH_JWT_SECRET is required")
			}

			granted := make([]jwt.Scope, 0, len(scopes))
			for _, s := range scopes {
				scope := jwt.Scope(s)
				if !slices.Contains(jwt.AllScopes(), scope) {
					return fmt.Errorf("unknown scope %q", s)
				}
				granted = append(granted, scope)
			}

			gen, err := jwt.NewGenerator(jwt.TokenConfig{Secret: secret, Issuer: issuer, TTL: ttl})
			if err != nil {
				return err
			}
			token, expiresAt, err := gen.Generate(subject, granted...)
			if err != nil {
				return err
			}

			if flagOutput != outputTable {
				return printStructured(cmd.OutOrStdout(), map[string]any{
					"token":      token,
					"subject":    subject,
					"scopes":     granted,
					"expires_at": expiresAt.UTC().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret (env: AUTH_JWT_SECRET)")
	cmd.Flags().StringVar(&issuer, "issuer", "stigmap", "Token issuer")
	cmd.Flags().StringVar(&subject, "subject", "stigmap-cli", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scopes to grant (mappings:read, mappings:write)")
	return cmd
}
