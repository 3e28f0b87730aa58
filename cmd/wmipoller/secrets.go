package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nmslite/wmipoller/internal/auth"
	"github.com/nmslite/wmipoller/internal/config"
	"github.com/spf13/cobra"
)

func newEncryptPasswordCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "encrypt-password [password]",
		Short: "Encrypt a password for use in the configuration file",
		Long: "Encrypt a password with auth.encryption_key. The password is read from the " +
			"argument or, when omitted, from the first line of stdin. The output can be " +
			"used as any password value in the configuration.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("WMIPOLLER_AUTH_ENCRYPTION_KEY")
			}
			if len(key) != 32 {
				return errors.New("encryption key must be 32 characters (--key or WMIPOLLER_AUTH_ENCRYPTION_KEY)")
			}

			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read password from stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}

			encrypted, err := config.EncryptSecret(key, password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), encrypted)
			return err
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "32 character encryption key")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}

			svc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry())
			if err != nil {
				return err
			}
			token, err := svc.IssueToken(subject)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(token)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wmipoller.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	return cmd
}
