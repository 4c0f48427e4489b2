package main

import "github.com/charmbracelet/lipgloss"

var (
	keyword   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Render
	paragraph = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2).Render

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575")).PaddingRight(2)
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	idleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
)

// table renders rows in aligned columns under a header.
func table(header []string, rows [][]string) string {
	cols := make([][]string, len(header))
	for i, h := range header {
		col := []string{headerStyle.Render(h)}
		for _, row := range rows {
			col = append(col, cellStyle.Render(row[i]))
		}
		cols[i] = col
	}

	rendered := make([]string, len(cols))
	for i, col := range cols {
		rendered[i] = lipgloss.JoinVertical(lipgloss.Left, col...)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}
