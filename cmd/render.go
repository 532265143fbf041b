package cmd

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// printTable renders rows as an aligned text table. Widths are computed
// with runewidth so CJK content in prompts and aliases lines up.
func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if w := runewidth.StringWidth(cell); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}

	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = runewidth.FillRight(cell, widths[i])
		}
		fmt.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	printRow(headers)
	underline := make([]string, len(headers))
	for i := range headers {
		underline[i] = strings.Repeat("-", widths[i])
	}
	printRow(underline)
	for _, row := range rows {
		printRow(row)
	}
}

// ellipsize truncates s to max display cells with a trailing ellipsis.
func ellipsize(s string, max int) string {
	return runewidth.Truncate(s, max, "...")
}
