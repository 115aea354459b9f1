package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/reveal"
)

// NewRevealCmd creates the reveal command
func NewRevealCmd() *cobra.Command {
	var baseURL, token, email string

	cmd := &cobra.Command{
		Use:   "reveal",
		Short: "Reveal your instance's database credentials",
		Long: `Walks through the credential reveal against a running portal: a code is
mailed to the account, you type or paste it, and the credentials are shown
once the portal accepts it. Type "r" to resend the code or "q" to quit.

Authenticate with --token (or PORTAL_TOKEN), or with --email to sign in first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				baseURL = os.Getenv("PORTAL_BASE_URL")
			}
			if baseURL == "" {
				baseURL = "http://localhost:8080"
			}
			if token == "" {
				token = os.Getenv("PORTAL_TOKEN")
			}
			c := &apiClient{base: strings.TrimRight(baseURL, "/"), token: token, http: &http.Client{Timeout: 30 * time.Second}}
			in := bufio.NewScanner(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			if c.token == "" {
				if email == "" {
					return errors.New("either --token or --email is required")
				}
				if err := signIn(cmd.Context(), c, email, in, out); err != nil {
					return err
				}
			}
			return runReveal(cmd.Context(), c, in, out, time.Now)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "portal base URL (default PORTAL_BASE_URL)")
	cmd.Flags().StringVar(&token, "token", "", "session token (default PORTAL_TOKEN)")
	cmd.Flags().StringVar(&email, "email", "", "sign in with this email when no token is given")
	return cmd
}

// apiError is the portal's {"success": false, "error": ...} envelope.
type apiError struct {
	Status     int
	Message    string
	RetryAfter int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var env struct {
			Error      string `json:"error"`
			RetryAfter int    `json:"retry_after"`
		}
		if json.Unmarshal(data, &env) != nil || env.Error == "" {
			env.Error = strings.TrimSpace(string(data))
		}
		return &apiError{Status: resp.StatusCode, Message: env.Error, RetryAfter: env.RetryAfter}
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *apiClient) me(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, "GET", "/api/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *apiClient) myPort(ctx context.Context) (*model.Port, bool, error) {
	var resp struct {
		Port              model.Port `json:"port"`
		CredentialsLocked bool       `json:"credentials_locked"`
	}
	if err := c.do(ctx, "GET", "/api/my-port", nil, &resp); err != nil {
		return nil, true, err
	}
	return &resp.Port, resp.CredentialsLocked, nil
}

func (c *apiClient) sendOTP(ctx context.Context, email string) (time.Duration, error) {
	var resp struct {
		ExpiresIn int `json:"expires_in"`
	}
	err := c.do(ctx, "POST", "/api/send-otp", map[string]string{"email": email, "purpose": "credentials"}, &resp)
	return time.Duration(resp.ExpiresIn) * time.Second, err
}

func (c *apiClient) verifyOTP(ctx context.Context, email, code string) error {
	return c.do(ctx, "POST", "/api/verify-otp", map[string]string{"email": email, "otp": code}, nil)
}

func (c *apiClient) credentials(ctx context.Context) (*model.Credentials, error) {
	var resp struct {
		Credentials model.Credentials `json:"credentials"`
	}
	if err := c.do(ctx, "GET", "/api/my-port/credentials", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Credentials, nil
}

// signIn runs the email code login and stores the session token on c.
func signIn(ctx context.Context, c *apiClient, email string, in *bufio.Scanner, out io.Writer) error {
	if err := c.do(ctx, "POST", "/api/auth/login", map[string]string{"email": email}, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "A sign-in code was sent to %s\nSign-in code: ", email)
	if !in.Scan() {
		return errors.New("no sign-in code entered")
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "POST", "/api/auth/verify", map[string]string{"email": email, "code": strings.TrimSpace(in.Text())}, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	fmt.Fprintf(out, "%s (token: %s)\n", green("Signed in"), resp.Token)
	return nil
}

func formatCountdown(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func printCredentials(out io.Writer, port *model.Port, creds *model.Credentials) {
	fmt.Fprintf(out, "\n%s\n", bold(port.InstanceURL))
	fmt.Fprintf(out, "  Host:      %s\n", creds.Host)
	fmt.Fprintf(out, "  Database:  %s\n", creds.Name)
	fmt.Fprintf(out, "  Username:  %s\n", creds.Username)
	fmt.Fprintf(out, "  Password:  %s\n", creds.Password)
}

// runReveal drives a reveal.Gate from lines read on in.
func runReveal(ctx context.Context, c *apiClient, in *bufio.Scanner, out io.Writer, now func() time.Time) error {
	user, err := c.me(ctx)
	if err != nil {
		return err
	}
	port, locked, err := c.myPort(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Instance %s (%s)\n", port.InstanceURL, portStatusColor(port.Status))

	if !locked {
		creds, err := c.credentials(ctx)
		if err != nil {
			return err
		}
		printCredentials(out, port, creds)
		return nil
	}

	gate := reveal.New()
	expiresIn, err := c.sendOTP(ctx, user.Email)
	if err != nil {
		return err
	}
	if err := gate.Unlock(now(), expiresIn); err != nil {
		return err
	}
	fmt.Fprintf(out, "Credentials are %s. A %d-digit code was sent to %s (expires in %s)\n",
		yellow("locked"), reveal.CodeLength, user.Email, formatCountdown(gate.Remaining(now())))

	for {
		fmt.Fprintf(out, "Code [%s left, r=resend, q=quit]: ", formatCountdown(gate.Remaining(now())))
		if !in.Scan() {
			gate.Cancel()
			return errors.New("cancelled")
		}
		line := strings.TrimSpace(in.Text())

		switch strings.ToLower(line) {
		case "q", "quit":
			gate.Cancel()
			fmt.Fprintln(out, "Cancelled")
			return nil
		case "r", "resend":
			if !gate.CanResend(now()) {
				fmt.Fprintf(out, "You can request a new code in %s\n", formatCountdown(gate.ResendIn(now())))
				continue
			}
			expiresIn, err := c.sendOTP(ctx, user.Email)
			if err != nil {
				fmt.Fprintln(out, red(err.Error()))
				continue
			}
			if err := gate.Resent(now(), expiresIn); err != nil {
				return err
			}
			fmt.Fprintf(out, "A new code was sent to %s\n", user.Email)
			continue
		}

		gate.Paste(line)
		if gate.Expired(now()) {
			fmt.Fprintln(out, red("The code has expired. Type r to request a new one."))
			continue
		}
		if !gate.CanVerify(now()) {
			gate.VerifyFailed(fmt.Sprintf("enter all %d digits", reveal.CodeLength))
			fmt.Fprintln(out, red(gate.Error()))
			continue
		}

		if err := c.verifyOTP(ctx, user.Email, gate.Code()); err != nil {
			var apiErr *apiError
			if !errors.As(err, &apiErr) {
				return err
			}
			gate.VerifyFailed(apiErr.Message)
			fmt.Fprintln(out, red(gate.Error()))
			continue
		}
		if err := gate.Verified(); err != nil {
			return err
		}

		creds, err := c.credentials(ctx)
		if err != nil {
			return err
		}
		printCredentials(out, port, creds)
		gate.Leave()
		return nil
	}
}
