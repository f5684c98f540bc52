package main

import "github.com/charmbracelet/lipgloss"

var (
	green     = lipgloss.Color("#00FF41")
	darkGreen = lipgloss.Color("#008F11")
	cyan      = lipgloss.Color("#00D4AA")
	midGray   = lipgloss.Color("#3a3a4e")
	lightGray = lipgloss.Color("#aaaaaa")
	red       = lipgloss.Color("#FF3333")
	gold      = lipgloss.Color("#FFD700")

	titleStyle = lipgloss.NewStyle().
			Foreground(green).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(cyan).
			Bold(true)

	bulletStyle = lipgloss.NewStyle().
			Foreground(darkGreen)

	okStyle = lipgloss.NewStyle().
			Foreground(green).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(gold)

	errorStyle = lipgloss.NewStyle().
			Foreground(red).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lightGray)

	dimStyle = lipgloss.NewStyle().
			Foreground(midGray)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(darkGreen).
			Padding(0, 1)
)
