package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"blocksync/internal/gcal"
)

func newAuthCommand(opts *RootOptions) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to Google Calendar and save the OAuth token",
		Long: `Auth prints the consent URL for the OAuth client in google.credentials_file,
exchanges the returned code and writes the token to google.token_file.
Service-account credentials need no token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			secret, err := os.ReadFile(cfg.Google.CredentialsFile)
			if err != nil {
				return fmt.Errorf("read credentials: %w", err)
			}
			oc, err := gcal.OAuthConfig(secret)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if code == "" {
				url := oc.AuthCodeURL("blocksync", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
				fmt.Fprintf(out, "Open this URL, approve access and paste the code:\n\n%s\n\ncode: ", url)
				sc := bufio.NewScanner(cmd.InOrStdin())
				if !sc.Scan() {
					if err := sc.Err(); err != nil {
						return err
					}
					return errors.New("no authorization code given")
				}
				code = strings.TrimSpace(sc.Text())
			}

			tok, err := oc.Exchange(cmd.Context(), code)
			if err != nil {
				return fmt.Errorf("exchange code: %w", err)
			}
			if err := gcal.SaveToken(cfg.Google.TokenFile, tok); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			_, err = fmt.Fprintf(out, "token saved to %s\n", cfg.Google.TokenFile)
			return err
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "authorization code (prompted for when empty)")
	return cmd
}
