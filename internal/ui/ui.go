// Package ui provides terminal styling helpers for CLI output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// RenderPass styles text for success indicators.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles text for warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles text for failures.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent styles text for headings and highlights.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderDim styles text for secondary detail.
func RenderDim(s string) string { return dimStyle.Render(s) }
