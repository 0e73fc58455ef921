package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	types "github.com/sebas/connbridge/api/types/v1"
	"github.com/sebas/connbridge/internal/apiclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	headerStyle = lipgloss.NewStyle().Bold(true)

	stateColors = map[string]lipgloss.Color{
		"active":       lipgloss.Color("#10B981"),
		"ringing":      lipgloss.Color("#F59E0B"),
		"dialing":      lipgloss.Color("#F59E0B"),
		"on_hold":      lipgloss.Color("#60A5FA"),
		"disconnected": lipgloss.Color("#F87171"),
	}

	// Column widths for the connection table.
	columns = []int{24, 14, 24, 20, 16}
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connections of a running node",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("url", "", "node base URL (default derived from api.addr)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("url")
	if base == "" {
		base = baseURL(viper.GetString("api.addr"))
	}
	c := apiclient.New(base)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("node %s unreachable: %w", base, err)
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	conns, err := c.Connections(ctx)
	if err != nil {
		return err
	}
	providers, err := c.Providers(ctx)
	if err != nil && !errors.Is(err, apiclient.ErrNotFound) {
		return err
	}

	renderStatus(cmd.OutOrStdout(), health, stats, conns, providers)
	return nil
}

// baseURL turns a listen address into a URL a local client can reach.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		_, port, _ := strings.Cut(addr, ":")
		addr = "127.0.0.1:" + port
	}
	return "http://" + addr
}

func renderStatus(w io.Writer, health *types.HealthResponse, stats *types.StatsResponse, conns []types.Connection, providers []string) {
	authority := "disconnected"
	if health.Authority {
		authority = "connected"
	}
	fmt.Fprintln(w, titleStyle.Render("connbridge "+health.NodeID))
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("status %s, up %s, authority %s",
		health.Status, time.Duration(health.Uptime)*time.Second, authority)))

	federation := "pending"
	if stats.FederationReady {
		federation = "ready"
	}
	fmt.Fprintf(w, "connections %d, providers %d (%s), offers %d, sip legs %d\n",
		stats.Connections, stats.Providers, federation, stats.PendingOffers, stats.SIPLegs)
	if len(providers) > 0 {
		fmt.Fprintf(w, "remote providers: %s\n", strings.Join(providers, ", "))
	}
	fmt.Fprintln(w)

	if len(conns) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no connections"))
		return
	}

	fmt.Fprintln(w, row(headerStyle, "CALL", "STATE", "ADDRESS", "FEATURES", "PARENT"))
	for _, c := range conns {
		state := c.State
		if c.Ringback {
			state += "*"
		}
		style := lipgloss.NewStyle()
		if color, ok := stateColors[c.State]; ok {
			style = style.Foreground(color)
		}
		fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top,
			cell(lipgloss.NewStyle(), 0, c.CallID),
			cell(style, 1, state),
			cell(lipgloss.NewStyle(), 2, c.Address),
			cell(mutedStyle, 3, c.Features),
			cell(lipgloss.NewStyle(), 4, c.ParentID),
		))
	}
}

func row(style lipgloss.Style, values ...string) string {
	cells := make([]string, len(values))
	for i, v := range values {
		cells[i] = cell(style, i, v)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cells...)
}

func cell(style lipgloss.Style, col int, value string) string {
	width := columns[col]
	if lipgloss.Width(value) >= width {
		value = value[:width-2] + "…"
	}
	return style.Width(width).Render(value)
}
