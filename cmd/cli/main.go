// Command jailfs-cli is the jailfs control CLI.
// It reads status, sessions, audit history and policy from the jailfsd
// HTTP API, and can run protocol commands and uploads directly.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"jailfs/pkg/client"
	"jailfs/pkg/protocol"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	api := &APIClient{http: &http.Client{Timeout: 10 * time.Second}}
	var addr string

	root := &cobra.Command{
		Use:           "jailfs-cli",
		Short:         "jailfs control interface",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&api.baseURL, "api", "http://localhost:8080", "jailfsd API URL")
	root.PersistentFlags().StringVar(&addr, "addr", "localhost"+protocol.DefaultAddr, `jailfsd protocol address ("host:port" or "unix:/path")`)

	var limit int
	history := &cobra.Command{
		Use:   "history",
		Short: "View the command audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return api.History(cmd.OutOrStdout(), limit)
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries to show")

	var dest string
	put := &cobra.Command{
		Use:   "put <local-file>",
		Short: "Upload a file into the jail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return upload(cmd.Context(), cmd.OutOrStdout(), addr, args[0], dest)
		},
	}
	put.Flags().StringVarP(&dest, "dest", "d", "", "destination directory inside the jail")

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show server status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return api.Status(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "sessions",
			Short: "List connected sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return api.Sessions(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "kill <session-id>",
			Short: "Disconnect a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := api.Kill(args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Session killed")
				return nil
			},
		},
		&cobra.Command{
			Use:   "policy",
			Short: "Show the verb policy in force",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return api.Policy(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "run <command>...",
			Short: "Run protocol commands in one session, e.g. run \"cd docs\" \"ls -l\"",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCommands(cmd.Context(), cmd.OutOrStdout(), addr, args)
			},
		},
		history,
		put,
	)
	return root
}

func runCommands(ctx context.Context, out io.Writer, addr string, lines []string) error {
	c, err := client.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, line := range lines {
		reply, err := c.Do(line)
		if err != nil {
			return fmt.Errorf("%s: %w", line, err)
		}
		if len(lines) > 1 {
			fmt.Fprintf(out, "> %s\n", line)
		}
		fmt.Fprintln(out, reply)
	}
	return nil
}

func upload(ctx context.Context, out io.Writer, addr, local, dest string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", local)
	}

	c, err := client.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if dest != "" {
		reply, err := c.Do(protocol.VerbCd + " " + dest)
		if err != nil {
			return err
		}
		if reply != protocol.ReplyDirChanged {
			return fmt.Errorf("cd %s: %s", dest, reply)
		}
	}

	reply, err := c.Upload(filepath.Base(local), f, info.Size())
	if err != nil {
		return err
	}
	if reply != protocol.ReplyUploadOK {
		return fmt.Errorf("upload %s: %s", local, reply)
	}
	fmt.Fprintf(out, "Uploaded %s (%d bytes)\n", filepath.Base(local), info.Size())
	return nil
}

// APIClient is the HTTP client for the jailfsd API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func (c *APIClient) getJSON(path string, v any) error {
	resp, err := c.http.Get(strings.TrimSuffix(c.baseURL, "/") + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Status displays the server status.
func (c *APIClient) Status(out io.Writer) error {
	var data struct {
		Status         string  `json:"status"`
		Listen         string  `json:"listen"`
		JailRoot       string  `json:"jail_root"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		ActiveSessions int     `json:"active_sessions"`
		MaxSessions    int64   `json:"max_sessions"`
		ReadOnly       bool    `json:"read_only"`
	}
	if err := c.getJSON("/api/status", &data); err != nil {
		return err
	}

	fmt.Fprintf(out, "Status: %s\n", data.Status)
	fmt.Fprintf(out, "Listen: %s\n", data.Listen)
	fmt.Fprintf(out, "Jail root: %s\n", data.JailRoot)
	fmt.Fprintf(out, "Uptime: %s\n", (time.Duration(data.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(out, "Sessions: %d/%d\n", data.ActiveSessions, data.MaxSessions)
	if data.ReadOnly {
		fmt.Fprintln(out, "Mode: read-only")
	}
	return nil
}

// Sessions lists connected sessions.
func (c *APIClient) Sessions(out io.Writer) error {
	var sessions []struct {
		ID         string    `json:"id"`
		RemoteAddr string    `json:"remote_addr"`
		Peer       string    `json:"peer"`
		StartedAt  time.Time `json:"started_at"`
	}
	if err := c.getJSON("/api/sessions", &sessions); err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No active sessions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREMOTE\tPEER\tCONNECTED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.ID, s.RemoteAddr, s.Peer, time.Since(s.StartedAt).Round(time.Second))
	}
	return w.Flush()
}

// Kill disconnects a session.
func (c *APIClient) Kill(id string) error {
	u := fmt.Sprintf("%s/api/sessions/%s/kill", strings.TrimSuffix(c.baseURL, "/"), url.PathEscape(id))
	resp, err := c.http.Post(u, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// History displays the command audit log.
func (c *APIClient) History(out io.Writer, limit int) error {
	var history []struct {
		Timestamp string   `json:"timestamp"`
		SessionID string   `json:"session_id"`
		Verb      string   `json:"verb"`
		Args      []string `json:"args"`
		Cwd       string   `json:"cwd"`
		Decision  string   `json:"decision"`
		Outcome   string   `json:"outcome"`
		Duration  float64  `json:"duration_ms"`
	}
	if err := c.getJSON(fmt.Sprintf("/api/history?limit=%d", limit), &history); err != nil {
		return err
	}

	if len(history) == 0 {
		fmt.Fprintln(out, "No audit history")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tCWD\tCOMMAND\tDECISION\tOUTCOME\tDURATION")
	for _, entry := range history {
		timestamp := entry.Timestamp
		if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			timestamp = t.Local().Format("15:04:05")
		}

		session := entry.SessionID
		if len(session) > 8 {
			session = session[:8]
		}

		command := strings.TrimSpace(entry.Verb + " " + strings.Join(entry.Args, " "))
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.1fms\n",
			timestamp, session, entry.Cwd, command, entry.Decision, entry.Outcome, entry.Duration)
	}
	return w.Flush()
}

// Policy displays the verb policy.
func (c *APIClient) Policy(out io.Writer) error {
	var policy struct {
		DefaultAction string `json:"default_action"`
		ReadOnly      bool   `json:"read_only"`
		Rules         []struct {
			Verb   string `json:"verb"`
			Action string `json:"action"`
			Reason string `json:"reason"`
		} `json:"rules"`
		Verbs []struct {
			Verb   string `json:"verb"`
			Action string `json:"action"`
			Reason string `json:"reason"`
			Source string `json:"source"`
		} `json:"verbs"`
	}
	if err := c.getJSON("/api/policy", &policy); err != nil {
		return err
	}

	fmt.Fprintf(out, "Default: %s\n", policy.DefaultAction)
	fmt.Fprintf(out, "Read-only: %t\n", policy.ReadOnly)
	if len(policy.Rules) > 0 {
		fmt.Fprintf(out, "Rules: %d\n", len(policy.Rules))
	}
	if len(policy.Verbs) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERB\tACTION\tSOURCE\tREASON")
	for _, v := range policy.Verbs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Verb, v.Action, v.Source, v.Reason)
	}
	return w.Flush()
}
