package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/studiobridge/internal/gateway"
)

const statusTimeout = 3 * time.Second

type statusCommand struct {
	Port int    `short:"p" long:"port" description:"bridge port (default from config)"`
	Host string `long:"host" default:"localhost" description:"bridge host"`
	JSON bool   `long:"json" description:"print the raw /status body"`

	app *app
}

func (c *statusCommand) Execute(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("status takes no arguments, got %q", args)
	}
	port := c.Port
	if port == 0 {
		cfg, err := c.app.loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		port = cfg.Port
	}
	url := "http://" + net.JoinHostPort(c.Host, strconv.Itoa(port)) + "/status"

	body, code, err := fetchStatus(c.app.ctx, url)
	if err != nil {
		fmt.Fprintf(c.app.stderr, "status: %v\n", err)
		return exitCode(1)
	}
	if code != http.StatusOK {
		fmt.Fprintf(c.app.stderr, "status: %s returned %d: %s\n", url, code, strings.TrimSpace(string(body)))
		return exitCode(1)
	}
	if c.JSON {
		fmt.Fprintln(c.app.stdout, strings.TrimSpace(string(body)))
		return nil
	}

	var st gateway.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		fmt.Fprintf(c.app.stderr, "status: decode response: %v\n", err)
		return exitCode(1)
	}
	fmt.Fprintln(c.app.stdout, renderStatus(st, url))
	return nil
}

func fetchStatus(ctx context.Context, url string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func renderStatus(st gateway.StatusResponse, url string) string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	label := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(16)
	good := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	bad := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(0, 1)

	flag := func(ok bool, yes, no string) string {
		if ok {
			return good.Render(yes)
		}
		return bad.Render(no)
	}
	row := func(k, v string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, label.Render(k), v)
	}

	mode := st.Mode
	if mode == "" {
		mode = "unknown"
	}
	lastActivity := "never"
	if st.LastActivity > 0 {
		lastActivity = time.UnixMilli(st.LastActivity).Format(time.RFC3339)
	}

	lines := []string{
		title.Render("studiobridge") + " " + url,
		"",
		row("mode", mode),
		row("studio plugin", flag(st.PluginConnected, "connected", "not connected")),
		row("agent", flag(st.MCPServerActive, "active", "inactive")),
		row("pending", strconv.Itoa(st.Pending)),
		row("last activity", lastActivity),
		row("uptime", (time.Duration(st.Uptime) * time.Millisecond).Round(time.Second).String()),
	}
	return box.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
