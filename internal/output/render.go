package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/charmbracelet/x/term"
)

// Renderer handles styled terminal output.
type Renderer struct {
	styled bool

	Summary lipgloss.Style
	Muted   lipgloss.Style
	Data    lipgloss.Style
	Error   lipgloss.Style
	Hint    lipgloss.Style
	Warning lipgloss.Style
	Success lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
}

// NewRenderer creates a renderer. Styling is enabled when writing to a TTY,
// or when forceStyled is true, unless NO_COLOR is set.
func NewRenderer(w io.Writer, forceStyled bool) *Renderer {
	styled := (isTTY(w) || forceStyled) && os.Getenv("NO_COLOR") == ""

	r := &Renderer{styled: styled}
	if !styled {
		plain := lipgloss.NewStyle()
		r.Summary, r.Muted, r.Data, r.Error, r.Hint = plain, plain, plain, plain, plain
		r.Warning, r.Success, r.Header, r.Cell = plain, plain, plain, plain
		return r
	}

	r.Summary = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	r.Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	r.Data = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	r.Error = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	r.Hint = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	r.Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	r.Success = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	r.Header = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	r.Cell = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	return r
}

// isTTY checks if the writer is a terminal.
func isTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(f.Fd())
	}
	return false
}

// RenderResponse renders a success response to the writer.
func (r *Renderer) RenderResponse(w io.Writer, resp *Response) error {
	var b strings.Builder

	if resp.Summary != "" {
		b.WriteString(r.Summary.Render(resp.Summary))
		b.WriteString("\n\n")
	}

	r.renderData(&b, NormalizeData(resp.Data))

	if f := resp.Freshness; f != nil {
		b.WriteString("\n")
		line := fmt.Sprintf("cached %.1fs ago", f.AgeSeconds)
		if f.Stale {
			b.WriteString(r.Warning.Render(line + " (stale, refreshing)"))
		} else {
			b.WriteString(r.Muted.Render(line))
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderError renders an error response to the writer.
func (r *Renderer) RenderError(w io.Writer, resp *ErrorResponse) error {
	var b strings.Builder

	b.WriteString(r.Error.Render("Error: " + resp.Error))
	b.WriteString("\n")
	if resp.Hint != "" {
		b.WriteString(r.Hint.Render("Hint: " + resp.Hint))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Renderer) renderData(b *strings.Builder, data any) {
	switch d := data.(type) {
	case []map[string]any:
		if len(d) == 0 {
			b.WriteString(r.Muted.Render("(no results)"))
			b.WriteString("\n")
			return
		}
		r.renderTable(b, d)
	case map[string]any:
		r.renderObject(b, d)
	case []any:
		if len(d) == 0 {
			b.WriteString(r.Muted.Render("(no results)"))
			b.WriteString("\n")
			return
		}
		for _, item := range d {
			b.WriteString(r.Data.Render("• " + formatCell(item)))
			b.WriteString("\n")
		}
	case nil:
		b.WriteString(r.Muted.Render("(no data)"))
		b.WriteString("\n")
	default:
		b.WriteString(r.Data.Render(formatCell(d)))
		b.WriteString("\n")
	}
}

// renderTable renders rows with the union of their keys as columns,
// "name"-like keys first.
func (r *Renderer) renderTable(b *strings.Builder, rows []map[string]any) {
	headers := columns(rows)
	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = make([]string, len(headers))
		for j, h := range headers {
			cells[i][j] = formatCell(row[h])
		}
	}
	b.WriteString(r.Table(headers, cells))
}

// Table renders headers and rows as a borderless aligned table.
func (r *Renderer) Table(headers []string, rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	t := table.New().
		Headers(headers...).
		Rows(rows...).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		BorderRow(false).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return r.Header.PaddingRight(2)
			}
			return r.Cell.PaddingRight(2)
		})
	return t.String() + "\n"
}

func (r *Renderer) renderObject(b *strings.Builder, data map[string]any) {
	keys := make([]string, 0, len(data))
	width := 0
	for k := range data {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		label := fmt.Sprintf("%-*s", width, k)
		b.WriteString(r.Muted.Render(label))
		b.WriteString("  ")
		b.WriteString(r.Data.Render(formatCell(data[k])))
		b.WriteString("\n")
	}
}

var leadingColumns = map[string]int{"name": 0, "tier": 0, "server": 0, "id": 1, "status": 2}

func columns(rows []map[string]any) []string {
	seen := map[string]bool{}
	var cols []string
	for _, row := range rows {
		for k, v := range row {
			// Nested values do not fit in a cell.
			switch v.(type) {
			case map[string]any, []any:
				continue
			}
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Slice(cols, func(i, j int) bool {
		pi, iok := leadingColumns[cols[i]]
		pj, jok := leadingColumns[cols[j]]
		switch {
		case iok && jok && pi != pj:
			return pi < pj
		case iok != jok:
			return iok
		}
		return cols[i] < cols[j]
	})
	return cols
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%.2f", val)
	case bool:
		if val {
			return "yes"
		}
		return "no"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// NormalizeData converts typed values into generic JSON shapes
// ([]map[string]any, map[string]any, []any) so they can be rendered.
func NormalizeData(data any) any {
	if raw, ok := data.(json.RawMessage); ok {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return data
		}
		return normalizeUnmarshaled(v)
	}

	switch data.(type) {
	case nil, []map[string]any, map[string]any, string:
		return data
	}
	b, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return data
	}
	return normalizeUnmarshaled(v)
}

// normalizeUnmarshaled converts []any to []map[string]any if all elements are maps.
func normalizeUnmarshaled(v any) any {
	d, ok := v.([]any)
	if !ok || len(d) == 0 {
		return v
	}
	maps := make([]map[string]any, 0, len(d))
	for _, item := range d {
		m, ok := item.(map[string]any)
		if !ok {
			return v
		}
		maps = append(maps, m)
	}
	return maps
}
