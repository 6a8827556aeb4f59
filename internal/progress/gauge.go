// Package progress renders job progress as a fixed-width text gauge.
package progress

import (
	"strconv"
	"strings"
)

// DefaultWidth is the number of cells in a gauge.
const DefaultWidth = 20

const (
	filledCell = "█"
	emptyCell  = "░"
)

// Clamp bounds a backend-reported percentage to [0,100].
func Clamp(percent int) int {
	switch {
	case percent < 0:
		return 0
	case percent > 100:
		return 100
	default:
		return percent
	}
}

// Filled returns the number of filled cells for percent in a gauge of width
// cells.
func Filled(percent, width int) int {
	if width <= 0 {
		return 0
	}
	return width * Clamp(percent) / 100
}

// RenderGauge renders e.g. "[██████░░░░░░░░░░░░░░] 30%". Out-of-range
// percentages are clamped; a non-positive width selects DefaultWidth.
func RenderGauge(percent, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	p := Clamp(percent)
	filled := Filled(p, width)

	var b strings.Builder
	b.Grow(width*len(filledCell) + 8)
	b.WriteByte('[')
	b.WriteString(strings.Repeat(filledCell, filled))
	b.WriteString(strings.Repeat(emptyCell, width-filled))
	b.WriteString("] ")
	b.WriteString(strconv.Itoa(p))
	b.WriteByte('%')
	return b.String()
}
