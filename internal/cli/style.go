package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/craigderington/realmtunnel/pkg/types"
)

const (
	colorConnected    = "10" // green
	colorConnecting   = "11" // yellow
	colorError        = "9"  // red
	colorDisconnected = "8"  // grey
	colorTitle        = "12"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorTitle)).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(colorDisconnected))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorError))
)

func stateStyle(state types.ConnectionState) lipgloss.Style {
	switch state {
	case types.StateConnected:
		return lipgloss.NewStyle().Foreground(lipgloss.Color(colorConnected)).Bold(true)
	case types.StateConnecting:
		return lipgloss.NewStyle().Foreground(lipgloss.Color(colorConnecting))
	case types.StateError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color(colorError)).Bold(true)
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color(colorDisconnected))
	}
}

func renderState(state types.ConnectionState) string {
	return stateStyle(state).Render(string(state))
}

// stateSymbol matches the status dots used for each state
func stateSymbol(state types.ConnectionState) string {
	switch state {
	case types.StateConnected:
		return stateStyle(state).Render("●")
	case types.StateConnecting:
		return stateStyle(state).Render("◐")
	case types.StateError:
		return stateStyle(state).Render("✗")
	default:
		return stateStyle(state).Render("○")
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp+1])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
