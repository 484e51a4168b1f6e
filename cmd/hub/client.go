package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"spokehub/internal/models"
	"spokehub/internal/store"
)

// apiClient talks to a running hub's operator API.
type apiClient struct {
	opts    *rootOptions
	baseURL string
	token   string
	asJSON  bool
	http    *http.Client
}

func (c *apiClient) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.baseURL, "api", "", "hub API URL (default from api.listen)")
	fs.StringVar(&c.token, "token", os.Getenv("SPOKEHUB_API_TOKEN"), "API bearer token")
	fs.BoolVar(&c.asJSON, "json", false, "print raw JSON")
}

func (c *apiClient) base() string {
	if c.baseURL != "" {
		return strings.TrimRight(c.baseURL, "/")
	}
	addr := c.opts.v.GetString("api.listen")
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// do sends a request and decodes a JSON reply into out. Non-2xx replies
// become errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	hc := c.http
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("contact hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("hub returned %d: %s", resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDevicesCmd(c *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices known to the hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var devices []models.Device
			if err := c.do(cmd.Context(), http.MethodGet, "/api/devices", nil, &devices); err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(cmd, devices)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tOFFSET\tSPREAD\tSAMPLES\tLAST HEARTBEAT")
			for _, d := range devices {
				offset, spread, samples := "-", "-", "-"
				if d.Offset != nil {
					offset = d.Offset.Offset.String()
					spread = d.Offset.Spread.String()
					samples = fmt.Sprint(d.Offset.Samples)
				}
				last := "-"
				if !d.LastHeartbeat.IsZero() {
					last = d.LastHeartbeat.Local().Format(time.TimeOnly)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.State, offset, spread, samples, last)
			}
			return tw.Flush()
		},
	}
}

func newSessionCmd(c *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Control the recording session",
	}

	transition := func(use, short, path string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				var s models.Session
				if err := c.do(cmd.Context(), http.MethodPost, path, nil, &s); err != nil {
					return err
				}
				return c.printSession(cmd, s)
			},
		}
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s models.Session
			if err := c.do(cmd.Context(), http.MethodPost, "/api/session", map[string]string{"name": args[0]}, &s); err != nil {
				return err
			}
			return c.printSession(cmd, s)
		},
	}

	var reason string
	abort := &cobra.Command{
		Use:   "abort",
		Short: "Abort the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s models.Session
			if err := c.do(cmd.Context(), http.MethodPost, "/api/session/abort", map[string]string{"reason": reason}, &s); err != nil {
				return err
			}
			return c.printSession(cmd, s)
		},
	}
	abort.Flags().StringVar(&reason, "reason", "", "reason recorded in the session")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s models.Session
			if err := c.do(cmd.Context(), http.MethodGet, "/api/session", nil, &s); err != nil {
				return err
			}
			return c.printSession(cmd, s)
		},
	}

	flash := &cobra.Command{
		Use:   "flash",
		Short: "Run a flash sync check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res models.FlashResult
			if err := c.do(cmd.Context(), http.MethodPost, "/api/session/flash", nil, &res); err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(cmd, res)
			}
			verdict := "PASS"
			if !res.Passed {
				verdict = "FAIL"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  event %s  spread %s (tolerance %s)\n", verdict, res.EventID, res.Spread, res.Tolerance)
			if len(res.Excluded) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "excluded: %s\n", strings.Join(res.Excluded, ", "))
			}
			return nil
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List past sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out []store.SessionSummary
			if err := c.do(cmd.Context(), http.MethodGet, fmt.Sprintf("/api/sessions?limit=%d", limit), nil, &out); err != nil {
				return err
			}
			if c.asJSON {
				return c.printJSON(cmd, out)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tDEVICES\tMISSING\tCREATED")
			for _, s := range out {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.ID, s.State, s.Devices, s.Missing, s.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum sessions to show")

	cmd.AddCommand(
		create,
		transition("start", "Start recording on every healthy device", "/api/session/start"),
		transition("stop", "Stop recording and collect data", "/api/session/stop"),
		abort,
		status,
		flash,
		list,
	)
	return cmd
}

func (c *apiClient) printSession(cmd *cobra.Command, s models.Session) error {
	if c.asJSON {
		return c.printJSON(cmd, s)
	}
	out := cmd.OutOrStdout()
	if s.ID == "" {
		_, err := fmt.Fprintln(out, "no session")
		return err
	}
	fmt.Fprintf(out, "session %s  %s\n", s.ID, s.State)
	if len(s.Devices) > 0 {
		fmt.Fprintf(out, "devices: %s\n", strings.Join(s.Devices, ", "))
	}
	if !s.TargetStart.IsZero() {
		fmt.Fprintf(out, "target start: %s\n", s.TargetStart.Local().Format(time.StampMilli))
	}
	if len(s.Missing) > 0 {
		fmt.Fprintf(out, "missing: %s\n", strings.Join(s.Missing, ", "))
	}
	if s.Error != "" {
		fmt.Fprintf(out, "error: %s\n", s.Error)
	}
	return nil
}
