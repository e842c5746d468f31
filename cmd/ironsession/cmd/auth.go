package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsession/session"
)

var (
	loginEmail    string
	loginPassword string
	loginCode     string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		password := loginPassword
		if password == "" {
			password = os.Getenv("IRONSESSION_PASSWORD")
		}
		in := bufio.NewReader(cmd.InOrStdin())
		if password == "" {
			if password, err = prompt(cmd, in, "Password: "); err != nil {
				return err
			}
		}

		s, err := c.Login(ctx, loginEmail, password)
		if err != nil {
			return err
		}
		if s.TwoFactorPending() {
			code := loginCode
			if code == "" {
				if code, err = prompt(cmd, in, "Two-factor code: "); err != nil {
					return err
				}
			}
			if s, err = c.VerifyTwoFactor(ctx, code); err != nil {
				return err
			}
		}
		printSession(cmd, s)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear stored tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		s, err := c.Logout(ctx)
		if err != nil {
			return err
		}
		printSession(cmd, s)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session and offline queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()
		printSession(cmd, c.CurrentSession())
		st := c.OfflineStatus()
		printf(cmd, "online:       %t\n", st.Online)
		printf(cmd, "pending:      %d\n", st.Pending)
		printf(cmd, "dead letters: %d\n", st.DeadLetters)
		return nil
	},
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	printf(cmd, "%s", label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func printSession(cmd *cobra.Command, s session.Session) {
	printf(cmd, "status:       %s\n", s.Status)
	if s.User != nil {
		printf(cmd, "user:         %s (%s)\n", s.User.Email, s.User.ID)
	}
	if !s.AccessTokenExpiry.IsZero() {
		printf(cmd, "expires:      %s\n", s.AccessTokenExpiry.Local().Format(time.RFC1123))
	}
	if s.LastError != nil {
		printf(cmd, "last error:   %v\n", s.LastError)
	}
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd)
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (or IRONSESSION_PASSWORD, or prompt)")
	loginCmd.Flags().StringVar(&loginCode, "code", "", "Two-factor code, if the account requires one")
	_ = loginCmd.MarkFlagRequired("email")
}
