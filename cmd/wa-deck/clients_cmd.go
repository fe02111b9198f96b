package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/asheshgoplani/wa-deck/internal/config"
	"github.com/asheshgoplani/wa-deck/internal/session"
)

// Table column widths for clients list output
const (
	tableColClient = 24
	tableColStatus = 14
	tableColTimer  = 6
	tableColPolled = 18
)

const adminRequestTimeout = 2 * time.Minute

// cliError carries an error code for JSON output.
type cliError struct {
	code string
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

// adminClient talks to the admin routes of a running server.
type adminClient struct {
	base string
	key  string
	http *http.Client
}

type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *adminClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return &cliError{code: ErrCodeInvalidUsage, err: err}
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.key != "" {
		req.Header.Set("auth-key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &cliError{code: ErrCodeUnreachable, err: fmt.Errorf("server unreachable at %s: %w", c.base, err)}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return &cliError{code: ErrCodeUnreachable, err: err}
	}

	if resp.StatusCode >= 400 {
		var apiErr apiErrorBody
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		code := ErrCodeServer
		if resp.StatusCode == http.StatusUnauthorized {
			code = ErrCodeUnauthorized
		}
		return &cliError{code: code, err: fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &cliError{code: ErrCodeServer, err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// serverURL turns a listen address into a URL reachable from this host.
func serverURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return strings.TrimRight(listen, "/")
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func formatPolled(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// renderClients formats clients as a fixed-width table sorted by id.
func renderClients(clients map[string]session.Info) string {
	if len(clients) == 0 {
		return "No clients.\n"
	}
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "%-*s %-*s %-*s %-*s %s\n",
		tableColClient, "CLIENT",
		tableColStatus, "STATUS",
		tableColTimer, "TIMER",
		tableColPolled, "LAST POLLED",
		"CREATED")
	for _, id := range ids {
		in := clients[id]
		status := in.Status.String()
		if in.Busy {
			status += "*"
		}
		timer := "-"
		if in.IsTimer {
			timer = "on"
		}
		created := "-"
		if !in.CreatedAt.IsZero() {
			created = humanize.Time(in.CreatedAt)
		}
		fmt.Fprintf(&b, "%-*s %-*s %-*s %-*s %s\n",
			tableColClient, truncate(id, tableColClient),
			tableColStatus, status,
			tableColTimer, timer,
			tableColPolled, formatPolled(in.LastPolled),
			created)
	}
	fmt.Fprintf(&b, "\n%d client(s)\n", len(ids))
	return b.String()
}

func renderErrors(errs map[string]string) string {
	if len(errs) == 0 {
		return ""
	}
	ids := make([]string, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "%s %s: %s\n", errorSymbol, id, errs[id])
	}
	return b.String()
}

type killOutput struct {
	Removed []string                `json:"removed"`
	Active  map[string]session.Info `json:"active"`
	Errors  map[string]string       `json:"errors,omitempty"`
}

func handleClients(args []string) {
	jsonMode := !term.IsTerminal(int(os.Stdout.Fd()))
	if err := runClients(args, os.Stdout, jsonMode); err != nil {
		code := ErrCodeServer
		var ce *cliError
		if errors.As(err, &ce) {
			code = ce.code
		}
		NewCLIOutput(jsonMode, os.Stderr).Error(err.Error(), code)
		os.Exit(1)
	}
}

// runClients executes a clients subcommand. defaultJSON selects the output
// format when neither --json nor --table is given.
func runClients(args []string, stdout io.Writer, defaultJSON bool) error {
	if len(args) == 0 {
		printClientsHelp(stdout)
		return nil
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("clients "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	server := fs.String("server", "", "Server URL (default: derived from [server] listen)")
	key := fs.String("key", "", "API key (default: $WADECK_API_KEY or [server] api_key)")
	configPath := fs.String("config", "", "Config file")
	jsonOut := fs.Bool("json", false, "Output JSON")
	tableOut := fs.Bool("table", false, "Output a table even when stdout is not a terminal")
	dead := fs.Bool("dead", false, "kill: remove every client that is not logged in")

	if err := fs.Parse(normalizeArgs(fs, rest)); err != nil {
		return &cliError{code: ErrCodeInvalidUsage, err: err}
	}

	jsonMode := defaultJSON
	if *jsonOut {
		jsonMode = true
	}
	if *tableOut {
		jsonMode = false
	}
	out := NewCLIOutput(jsonMode, stdout)

	base, apiKey := *server, *key
	if base == "" || apiKey == "" {
		path := *configPath
		if path == "" {
			path, _ = config.DefaultPath()
		}
		cfg, _ := config.Load(path)
		if base == "" {
			base = serverURL(cfg.Server.Listen)
		}
		apiKey = firstNonEmpty(apiKey, cfg.Server.APIKey)
	}
	c := &adminClient{base: serverURL(base), key: apiKey, http: &http.Client{Timeout: adminRequestTimeout}}

	ctx, cancel := context.WithTimeout(context.Background(), adminRequestTimeout)
	defer cancel()

	ids := splitIDs(fs.Args())
	switch sub {
	case "list", "ls":
		var clients map[string]session.Info
		if err := c.do(ctx, http.MethodGet, "/admin/clients", nil, &clients); err != nil {
			return err
		}
		out.Print(renderClients(clients), clients)

	case "run", "start":
		if len(ids) == 0 {
			return &cliError{code: ErrCodeInvalidUsage, err: errors.New("usage: wa-deck clients run <id>[,<id>...]")}
		}
		var res session.EnsureResult
		form := url.Values{"clients": {strings.Join(ids, ",")}}
		if err := c.do(ctx, http.MethodPut, "/admin/clients", form, &res); err != nil {
			return err
		}
		out.Print(renderClients(res.Clients)+renderErrors(res.Errors), res)

	case "kill", "rm":
		if len(ids) == 0 && !*dead {
			return &cliError{code: ErrCodeInvalidUsage, err: errors.New("usage: wa-deck clients kill <id>[,<id>...] | --dead")}
		}
		form := url.Values{}
		if len(ids) > 0 {
			form.Set("clients", strings.Join(ids, ","))
		}
		if *dead {
			form.Set("kill_dead", "true")
		}
		var res killOutput
		if err := c.do(ctx, http.MethodDelete, "/admin/clients", form, &res); err != nil {
			return err
		}
		var b strings.Builder
		if len(res.Removed) == 0 {
			b.WriteString("Nothing removed.\n")
		}
		for _, id := range res.Removed {
			fmt.Fprintf(&b, "%s removed %s\n", successSymbol, id)
		}
		b.WriteString(renderErrors(res.Errors))
		b.WriteString("\n")
		b.WriteString(renderClients(res.Active))
		out.Print(b.String(), res)

	default:
		return &cliError{code: ErrCodeInvalidUsage, err: fmt.Errorf("unknown clients command %q", sub)}
	}
	return nil
}

func printClientsHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: wa-deck clients <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  list               List active clients and their status")
	fmt.Fprintln(w, "  run <ids>          Create clients that do not exist yet")
	fmt.Fprintln(w, "  kill <ids>         Remove the named clients")
	fmt.Fprintln(w, "  kill --dead        Remove every client that is not logged in")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "  --server URL       Server URL (default: from config)")
	fmt.Fprintln(w, "  --key KEY          API key (default: $WADECK_API_KEY or config)")
	fmt.Fprintln(w, "  --json / --table   Force the output format")
}
