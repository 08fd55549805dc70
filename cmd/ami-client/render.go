// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	nameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderFeatures lays out the feature map as a two-column table
// sorted by name.
func renderFeatures(features map[string]string) string {
	if len(features) == 0 {
		return mutedStyle.Render("no features stored") + "\n"
	}

	names := make([]string, 0, len(features))
	width := len("FEATURE")
	for name := range features {
		names = append(names, name)
		width = max(width, lipgloss.Width(name))
	}
	sort.Strings(names)

	column := lipgloss.NewStyle().Width(width + 2)
	var builder strings.Builder
	builder.WriteString(headerStyle.Inherit(column).Render("FEATURE"))
	builder.WriteString(headerStyle.Render("TYPE"))
	builder.WriteByte('\n')
	for _, name := range names {
		builder.WriteString(nameStyle.Inherit(column).Render(name))
		builder.WriteString(mutedStyle.Render(features[name]))
		builder.WriteByte('\n')
	}
	return builder.String()
}
