// Package chart decodes monitor payloads and draws them as terminal text.
package chart

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

type Kind string

const (
	Bar         Kind = "bar"
	MultiBar    Kind = "multi-bar"
	Pie         Kind = "pie"
	Line        Kind = "line"
	Multiline   Kind = "multiline"
	Area        Kind = "area"
	StackedArea Kind = "stacked-area"
)

var ErrUnknownKind = errors.New("chart: unknown kind")

var kinds = []Kind{Bar, MultiBar, Pie, Line, Multiline, Area, StackedArea}

func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range kinds {
		if k == known {
			return k, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownKind, "%q", s)
}

const (
	minWidth   = 12
	plotHeight = 4
	maxLabel   = 16
)

var (
	sparks = []rune("▁▂▃▄▅▆▇█")
	fills  = []rune("█▓▒░")
)

// Render draws frame as kind in at most width columns. An empty frame renders
// as a placeholder line.
func Render(kind Kind, frame Frame, width int) string {
	if width < minWidth {
		width = minWidth
	}
	if frame.Len() == 0 || len(frame.Series) == 0 {
		return "(no data)"
	}
	switch kind {
	case Bar:
		return renderBars(frame, frame.Series[:1], width)
	case MultiBar:
		return renderBars(frame, frame.Series, width)
	case Pie:
		return renderPie(frame, width)
	case Line:
		return renderLines(frame, frame.Series[:1], width)
	case Multiline:
		return renderLines(frame, frame.Series, width)
	case Area:
		return renderArea(frame.Series[0].Values, width)
	case StackedArea:
		return renderStacked(frame, width)
	default:
		return fmt.Sprintf("(unknown chart kind %q)", kind)
	}
}

func labelWidth(labels []string) int {
	w := 0
	for _, l := range labels {
		if n := len([]rune(l)); n > w {
			w = n
		}
	}
	if w > maxLabel {
		w = maxLabel
	}
	return w
}

func pad(s string, w int) string {
	r := []rune(s)
	if len(r) > w {
		return string(r[:w])
	}
	return s + strings.Repeat(" ", w-len(r))
}

func formatValue(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e9 {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func maxOf(series []Series) float64 {
	m := 0.0
	for _, s := range series {
		for _, v := range s.Values {
			if v > m {
				m = v
			}
		}
	}
	return m
}

func scale(v, top float64, cells int) int {
	if top <= 0 || v <= 0 {
		return 0
	}
	n := int(math.Round(v / top * float64(cells)))
	if n > cells {
		n = cells
	}
	return n
}

func renderBars(frame Frame, series []Series, width int) string {
	lw := labelWidth(frame.Labels)
	top := maxOf(series)
	cells := width - lw - 10
	if cells < 1 {
		cells = 1
	}

	var b strings.Builder
	for i, label := range frame.Labels {
		for j, s := range series {
			name := ""
			if j == 0 {
				name = label
			}
			v := s.Values[i]
			glyph := string(fills[j%len(fills)])
			fmt.Fprintf(&b, "%s │%s %s\n", pad(name, lw), strings.Repeat(glyph, scale(v, top, cells)), formatValue(v))
		}
	}
	if len(series) > 1 {
		b.WriteString(legend(series))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderPie(frame Frame, width int) string {
	values := frame.Series[0].Values
	total := 0.0
	for _, v := range values {
		if v > 0 {
			total += v
		}
	}
	lw := labelWidth(frame.Labels)
	cells := width - lw - 10
	if cells < 1 {
		cells = 1
	}

	var b strings.Builder
	for i, label := range frame.Labels {
		share := 0.0
		if total > 0 && values[i] > 0 {
			share = values[i] / total
		}
		glyph := string(fills[i%len(fills)])
		fmt.Fprintf(&b, "%s %s %5.1f%%\n", pad(label, lw), pad(strings.Repeat(glyph, scale(share, 1, cells)), cells), share*100)
	}
	return strings.TrimRight(b.String(), "\n")
}

// resample maps values onto n columns by nearest index.
func resample(values []float64, n int) []float64 {
	if len(values) == 0 || n <= 0 {
		return nil
	}
	if len(values) <= n {
		return values
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = values[i*len(values)/n]
	}
	return out
}

func sparkline(values []float64, lo, hi float64) string {
	var b strings.Builder
	span := hi - lo
	for _, v := range values {
		idx := 0
		if span > 0 {
			idx = int((v - lo) / span * float64(len(sparks)-1))
		}
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparks) {
			idx = len(sparks) - 1
		}
		b.WriteRune(sparks[idx])
	}
	return b.String()
}

func renderLines(frame Frame, series []Series, width int) string {
	names := make([]string, len(series))
	for i, s := range series {
		names[i] = s.Name
	}
	lw := labelWidth(names)
	cols := width - lw - 12
	if cols < 1 {
		cols = 1
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range series {
		for _, v := range s.Values {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}

	var b strings.Builder
	for _, s := range series {
		last := s.Values[len(s.Values)-1]
		fmt.Fprintf(&b, "%s %s %s\n", pad(s.Name, lw), sparkline(resample(s.Values, cols), lo, hi), formatValue(last))
	}
	b.WriteString(timeAxis(frame))
	return strings.TrimRight(b.String(), "\n")
}

func timeAxis(frame Frame) string {
	if !frame.Timed() {
		return ""
	}
	first := frame.Times[0].Format("15:04:05")
	last := frame.Times[len(frame.Times)-1].Format("15:04:05")
	return fmt.Sprintf("%s … %s\n", first, last)
}

func renderArea(values []float64, width int) string {
	cols := resample(values, width)
	top := 0.0
	for _, v := range cols {
		top = math.Max(top, v)
	}
	rows := make([]string, plotHeight)
	for r := 0; r < plotHeight; r++ {
		level := plotHeight - r
		var b strings.Builder
		for _, v := range cols {
			if scale(v, top, plotHeight) >= level {
				b.WriteRune('█')
			} else {
				b.WriteRune(' ')
			}
		}
		rows[r] = strings.TrimRight(b.String(), " ")
	}
	return strings.Join(rows, "\n") + fmt.Sprintf("\nmax %s", formatValue(top))
}

// renderStacked draws cumulative layers bottom-up, one glyph per layer.
func renderStacked(frame Frame, width int) string {
	n := frame.Len()
	totals := make([]float64, n)
	for _, s := range frame.Series {
		for i, v := range s.Values {
			if v > 0 {
				totals[i] += v
			}
		}
	}
	top := 0.0
	for _, t := range totals {
		top = math.Max(top, t)
	}

	idx := make([]int, 0, width)
	if n <= width {
		for i := 0; i < n; i++ {
			idx = append(idx, i)
		}
	} else {
		for c := 0; c < width; c++ {
			idx = append(idx, c*n/width)
		}
	}

	grid := make([][]rune, plotHeight)
	for r := range grid {
		grid[r] = []rune(strings.Repeat(" ", len(idx)))
	}
	for c, i := range idx {
		acc := 0.0
		for j, s := range frame.Series {
			from := scale(acc, top, plotHeight)
			if v := s.Values[i]; v > 0 {
				acc += v
			}
			to := scale(acc, top, plotHeight)
			for level := from; level < to; level++ {
				grid[plotHeight-1-level][c] = fills[j%len(fills)]
			}
		}
	}

	lines := make([]string, 0, plotHeight+1)
	for _, row := range grid {
		lines = append(lines, strings.TrimRight(string(row), " "))
	}
	lines = append(lines, strings.TrimRight(legend(frame.Series), "\n"))
	return strings.Join(lines, "\n")
}

func legend(series []Series) string {
	parts := make([]string, len(series))
	for i, s := range series {
		parts[i] = fmt.Sprintf("%c %s", fills[i%len(fills)], s.Name)
	}
	return strings.Join(parts, "  ") + "\n"
}
