package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/lipgloss/tree"

	"github.com/chrisjsewell/fireflow/pkg/core"
	"github.com/chrisjsewell/fireflow/pkg/security"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
	keyStyle    = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	stateStyles = map[core.State]lipgloss.Style{
		core.StatePlaying:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		core.StateFinished: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		core.StateExcepted: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}

	stateGlyphs = map[core.State]string{
		core.StatePlaying:  "▶",
		core.StateFinished: "✓",
		core.StateExcepted: "✗",
	}
)

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		String()
}

func newTree(root string) *tree.Tree {
	return tree.Root(titleStyle.Render(root)).EnumeratorStyle(borderStyle)
}

// renderState colors a state name the way the status summary does: playing
// blue, finished green, excepted red.
func renderState(state string) string {
	if style, ok := stateStyles[core.State(state)]; ok {
		return style.Render(state)
	}
	return state
}

// stateTag is the compact glyph+name form used in tables and trees.
func stateTag(state core.State) string {
	glyph, ok := stateGlyphs[state]
	if !ok {
		return string(state)
	}
	if style, ok := stateStyles[state]; ok {
		return style.Render(glyph + " " + string(state))
	}
	return glyph + " " + string(state)
}

// rangeTitle renders a listing heading such as "Clients 1-3 of 7" from the
// requested page and the rows it actually produced.
func rangeTitle(noun string, page core.Page, shown int, total int64) string {
	number := page.Number
	if number < 1 {
		number = 1
	}
	size := security.ClampPageSize(page.Size)
	start := (number-1)*size + 1
	end := start + shown - 1
	return titleStyle.Render(fmt.Sprintf("%s %d-%d of %d", noun, start, end, total))
}

// plural formats "1 client" / "3 clients".
func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}

func formatPK(pk uint) string {
	return strconv.FormatUint(uint64(pk), 10)
}
