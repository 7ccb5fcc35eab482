package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tfshome/tfsctl/internal/api"
	"github.com/tfshome/tfsctl/internal/db"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store a credential pair",
	Long: `Exchanges email and password for an access/refresh credential pair and
stores it in the configured credential backend.

The password is read from the terminal without echo, or from stdin with
--password-stdin.

Examples:
  tfsctl login --email ana@example.com
  echo "$PW" | tfsctl login --email ana@example.com --password-stdin`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and sign in",
	Args:  cobra.NoArgs,
	RunE:  runRegister,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored credential pair",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	Long: `Fetches the current profile. This is the canonical check that the stored
session is still valid; an expired access credential is renewed on the way.`,
	Args: cobra.NoArgs,
	RunE: runWhoami,
}

func init() {
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().Bool("password-stdin", false, "read the password from stdin")
	_ = loginCmd.MarkFlagRequired("email")

	registerCmd.Flags().String("email", "", "account email")
	registerCmd.Flags().String("username", "", "username")
	registerCmd.Flags().String("first-name", "", "first name")
	registerCmd.Flags().String("last-name", "", "last name")
	registerCmd.Flags().String("timezone", "UTC", "IANA timezone for due dates")
	registerCmd.Flags().Bool("password-stdin", false, "read the password from stdin")
	_ = registerCmd.MarkFlagRequired("email")
	_ = registerCmd.MarkFlagRequired("username")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd)
}

// readPassword prompts on the terminal, or reads one line from stdin.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	fromStdin, _ := cmd.Flags().GetBool("password-stdin")
	if fromStdin {
		return readLine(cmd.InOrStdin())
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; use --password-stdin")
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	password, err := readPassword(cmd, "Password: ")
	if err != nil {
		return err
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.client.Login(cmd.Context(), email, password); err != nil {
		if api.IsUnauthorized(err) {
			return fmt.Errorf("login failed: invalid email or password")
		}
		return fmt.Errorf("login failed: %w", err)
	}
	s.logEvent(db.EventLogin, email, "", 0)
	outf(cmd, "Logged in as %s\n", email)
	return nil
}

func runRegister(cmd *cobra.Command, args []string) error {
	reg := api.Registration{}
	reg.Email, _ = cmd.Flags().GetString("email")
	reg.Username, _ = cmd.Flags().GetString("username")
	reg.FirstName, _ = cmd.Flags().GetString("first-name")
	reg.LastName, _ = cmd.Flags().GetString("last-name")
	reg.Timezone, _ = cmd.Flags().GetString("timezone")

	password, err := readPassword(cmd, "Password: ")
	if err != nil {
		return err
	}
	reg.Password = password
	reg.Password2 = password
	if fromStdin, _ := cmd.Flags().GetBool("password-stdin"); !fromStdin {
		confirm, err := readPassword(cmd, "Repeat password: ")
		if err != nil {
			return err
		}
		reg.Password2 = confirm
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.client.Register(cmd.Context(), reg); err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	s.logEvent(db.EventRegister, reg.Email, reg.Username, 0)
	outf(cmd, "Registered and logged in as %s\n", reg.Email)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.client.Logout(); err != nil {
		return err
	}
	s.logEvent(db.EventLogout, "", "", 0)
	outln(cmd, "Logged out")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.requireLogin(); err != nil {
		return err
	}

	u, err := s.client.CurrentUser(cmd.Context())
	if err != nil {
		return explain(err)
	}
	outf(cmd, "%s (%s)\n", u.Email, u.Username)
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		outf(cmd, "  name:     %s\n", name)
	}
	if u.Timezone != "" {
		outf(cmd, "  timezone: %s\n", u.Timezone)
	}
	if pair := s.store.Get(); pair != nil && !pair.AccessExpiresAt.IsZero() {
		outf(cmd, "  access valid until %s\n", pair.AccessExpiresAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}
