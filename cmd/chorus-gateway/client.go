// ABOUTME: Operator commands that talk to a running gateway over HTTP and websocket
// ABOUTME: health, sessions, watch and token

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/2389/chorus-gateway/internal/auth"
	"github.com/2389/chorus-gateway/internal/realtime"
	"github.com/2389/chorus-gateway/internal/session"
)

type clientOptions struct {
	baseURL string
	token   string
}

func (c *clientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.baseURL, "url", "", "gateway base URL (default derived from server.http_addr)")
	cmd.Flags().StringVar(&c.token, "token", os.Getenv("CHORUS_TOKEN"), "bearer token for the API")
}

// resolve fills the base URL from config when no --url was given.
func (c *clientOptions) resolve(root *rootOptions) (string, error) {
	if c.baseURL != "" {
		return strings.TrimSuffix(c.baseURL, "/"), nil
	}
	cfg, err := root.load()
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func (c *clientOptions) get(cmd *cobra.Command, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return http.DefaultClient.Do(req)
}

func newHealthCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := opts.resolve(root)
			if err != nil {
				return err
			}
			path := "/health"
			if ready {
				path = "/health/ready"
			}
			resp, err := opts.get(cmd, base+path)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&ready, "ready", false, "require at least one READY session")
	return cmd
}

func newSessionsCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := opts.resolve(root)
			if err != nil {
				return err
			}
			resp, err := opts.get(cmd, base+"/api/sessions")
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("listing sessions: status %d", resp.StatusCode)
			}

			var body struct {
				Sessions []session.Info `json:"sessions"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return printSessions(cmd.OutOrStdout(), body.Sessions, asJSON)
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printSessions(w io.Writer, sessions []session.Info, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "no live sessions")
		return err
	}
	for _, s := range sessions {
		state := string(s.State)
		if s.State == session.StateReady {
			state = color.GreenString(state)
		} else {
			state = color.YellowString(state)
		}
		if _, err := fmt.Fprintf(w, "%-20s %-14s %s\n", s.ID, state, s.CreatedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Stream realtime events for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := opts.resolve(root)
			if err != nil {
				return err
			}
			wsURL, err := websocketURL(base)
			if err != nil {
				return err
			}

			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", wsURL, err)
			}
			defer conn.Close()

			if err := conn.WriteJSON(realtime.ClientCommand{Command: realtime.CommandJoin, SessionID: args[0]}); err != nil {
				return fmt.Errorf("joining session: %w", err)
			}

			go func() {
				<-cmd.Context().Done()
				_ = conn.Close()
			}()

			out := cmd.OutOrStdout()
			for {
				var env realtime.Envelope
				if err := conn.ReadJSON(&env); err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return fmt.Errorf("reading event: %w", err)
				}
				fmt.Fprintf(out, "%s %s %s\n",
					color.HiBlackString(time.Now().Format("15:04:05")),
					color.CyanString(env.Event),
					string(env.Data))
			}
		},
	}
	opts.bind(cmd)
	return cmd
}

// websocketURL maps an http(s) base URL to the /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing gateway URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported gateway URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		subject string
		ownerID string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured in %s", root.configPath)
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(subject, ownerID, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringVar(&ownerID, "owner", "", "restrict the token to one owner's numbers")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}
