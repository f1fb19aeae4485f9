package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tonimelisma/rxsync/internal/broker"
	"github.com/tonimelisma/rxsync/internal/config"
)

// readPassword reads a password from the terminal without echo. Replaced
// in tests.
var readPassword = term.ReadPassword

// stdinIsTerminal reports whether the password can be prompted for.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the backend",
		Long: `Exchange email and password for a session. The password is read from
` + config.EnvPassword + ` if set, otherwise prompted for (or read from stdin when
it is not a terminal). Queued changes resume uploading once logged in.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().String("email", "", "account email (required)")
	cmd.MarkFlagRequired("email")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and remove stored credentials",
		Long:  "Log out on the backend when reachable and delete the local token. Queued changes are kept.",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in account",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	email, err := cmd.Flags().GetString("email")
	if err != nil {
		return err
	}

	password, err := obtainPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if !c.Online() {
		return fmt.Errorf("cannot log in: %s is not reachable", cc.Cfg.ServerURL)
	}

	user, err := c.Login(ctx, email, password)
	if err != nil {
		if errors.Is(err, broker.ErrAuthExpired) {
			return errors.New("login failed: invalid email or password")
		}

		return err
	}

	if cmd.Flags().Changed("server") {
		if err := rememberServer(cc); err != nil {
			cc.Logger.Warn("could not save server to config", "error", err)
		}
	}

	name := email
	if user != nil && user.Name != "" {
		name = fmt.Sprintf("%s <%s>", user.Name, email)
	}

	cc.Statusf("Logged in as %s\n", name)

	return nil
}

// obtainPassword resolves the password from the environment, a terminal
// prompt, or the first line of stdin, in that order.
func obtainPassword(stdin io.Reader) (string, error) {
	if pw := os.Getenv(config.EnvPassword); pw != "" {
		return pw, nil
	}

	if stdinIsTerminal() {
		fmt.Fprint(os.Stderr, "Password: ")

		raw, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(raw), nil
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password from stdin: %w", err)
	}

	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("no password given")
	}

	return pw, nil
}

// rememberServer writes the --server value into the config file so later
// commands need not repeat it.
func rememberServer(cc *CLIContext) error {
	path := cc.Cfg.ConfigPath

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.CreateDefault(path, cc.Cfg.ServerURL)
	}

	return config.SetKey(path, "server", "url", cc.Cfg.ServerURL)
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if c.Token() == nil {
		cc.Statusf("Not logged in.\n")
		return nil
	}

	email := c.Account().Email

	if err := c.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	if email != "" {
		cc.Statusf("Logged out %s\n", email)
	} else {
		cc.Statusf("Logged out\n")
	}

	return nil
}

type whoamiOutput struct {
	Email     string     `json:"email"`
	Name      string     `json:"name,omitempty"`
	Role      string     `json:"role,omitempty"`
	Server    string     `json:"server"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Verified  bool       `json:"verified"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	c, err := cc.openClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	tok := c.Token()
	if tok == nil {
		return errors.New("not logged in, run 'rxsync login --email <email>'")
	}

	out := whoamiOutput{
		Email:  c.Account().Email,
		Server: cc.Cfg.ServerURL,
	}

	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		out.ExpiresAt = &exp
	}

	// The local token is enough offline; online the backend confirms it.
	if c.Online() {
		user, meErr := c.Me(ctx)
		if meErr != nil {
			if errors.Is(meErr, broker.ErrAuthExpired) {
				return errors.New("session expired, log in again")
			}

			cc.Logger.Warn("could not verify session", "error", meErr)
		} else {
			out.Verified = true
			out.Name = user.Name
			out.Role = user.Role

			if user.Email != "" {
				out.Email = user.Email
			}
		}
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	fmt.Fprintf(cc.Out, "Email:   %s\n", out.Email)

	if out.Name != "" {
		fmt.Fprintf(cc.Out, "Name:    %s\n", out.Name)
	}

	if out.Role != "" {
		fmt.Fprintf(cc.Out, "Role:    %s\n", out.Role)
	}

	fmt.Fprintf(cc.Out, "Server:  %s\n", out.Server)

	if out.ExpiresAt != nil {
		fmt.Fprintf(cc.Out, "Expires: %s\n", formatTime(*out.ExpiresAt))
	}

	if !out.Verified {
		fmt.Fprintln(cc.Out, "(not verified with the backend)")
	}

	return nil
}
