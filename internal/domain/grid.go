// Package domain contains core domain types for the sudoku sync layer.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// Notes holds pencil marks for a cell, keyed by digit.
type Notes map[int]bool

// Any reports whether at least one note is set.
func (n Notes) Any() bool {
	for _, on := range n {
		if on {
			return true
		}
	}
	return false
}

// Cell is a single grid cell. A cell holds either a digit (0 = empty)
// or a set of notes; Notes is non-nil only in the latter case.
type Cell struct {
	Value int
	Notes Notes
}

// Digit returns a cell holding the given digit.
func Digit(v int) Cell { return Cell{Value: v} }

// HasNotes reports whether the cell carries a notes map instead of a digit.
func (c Cell) HasNotes() bool { return c.Notes != nil }

// Equal compares two cells by value and notes membership.
func (c Cell) Equal(o Cell) bool {
	if c.HasNotes() != o.HasNotes() {
		return false
	}
	if !c.HasNotes() {
		return c.Value == o.Value
	}
	for d := 1; d <= 9; d++ {
		if c.Notes[d] != o.Notes[d] {
			return false
		}
	}
	return true
}

func (c Cell) clone() Cell {
	if c.Notes == nil {
		return c
	}
	notes := make(Notes, len(c.Notes))
	for k, v := range c.Notes {
		notes[k] = v
	}
	return Cell{Notes: notes}
}

// MarshalJSON encodes a digit as a number and notes as an object.
func (c Cell) MarshalJSON() ([]byte, error) {
	if c.Notes == nil {
		return []byte(strconv.Itoa(c.Value)), nil
	}
	keys := make([]int, 0, len(c.Notes))
	for k := range c.Notes {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:%t", strconv.Itoa(k), c.Notes[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts a number, a notes object or null.
func (c *Cell) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Cell{}
		return nil
	case data[0] == '{':
		var raw map[string]bool
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode cell notes: %w", err)
		}
		notes := make(Notes, len(raw))
		for k, v := range raw {
			d, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("decode cell notes: invalid digit %q", k)
			}
			notes[d] = v
		}
		*c = Cell{Notes: notes}
		return nil
	default:
		var v int
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode cell value: %w", err)
		}
		*c = Cell{Value: v}
		return nil
	}
}

// Grid is a 9x9 puzzle stored as 3x3 boxes of 3x3 cells,
// indexed [box.x][box.y][cell.x][cell.y].
type Grid [3][3][3][3]Cell

// CellRef addresses one cell of a Grid. X runs along columns, Y along rows.
type CellRef struct {
	BoxX, BoxY   int
	CellX, CellY int
}

// CellAt converts a zero-based row and column into a CellRef.
func CellAt(row, col int) CellRef {
	return CellRef{BoxX: col / 3, BoxY: row / 3, CellX: col % 3, CellY: row % 3}
}

// Row returns the zero-based row of the cell.
func (r CellRef) Row() int { return r.BoxY*3 + r.CellY }

// Col returns the zero-based column of the cell.
func (r CellRef) Col() int { return r.BoxX*3 + r.CellX }

// Valid reports whether every coordinate is in range.
func (r CellRef) Valid() bool {
	for _, v := range [...]int{r.BoxX, r.BoxY, r.CellX, r.CellY} {
		if v < 0 || v > 2 {
			return false
		}
	}
	return true
}

func (r CellRef) String() string {
	return fmt.Sprintf("box:%d,%d,cell:%d,%d", r.BoxX, r.BoxY, r.CellX, r.CellY)
}

var cellRefPattern = regexp.MustCompile(`^box:([0-2]),([0-2]),cell:([0-2]),([0-2])$`)

// ParseCellRef parses the "box:x,y,cell:x,y" form produced by CellRef.String.
func ParseCellRef(s string) (CellRef, error) {
	m := cellRefPattern.FindStringSubmatch(s)
	if m == nil {
		return CellRef{}, fmt.Errorf("invalid cell id %q", s)
	}
	n := func(i int) int { v, _ := strconv.Atoi(m[i]); return v }
	return CellRef{BoxX: n(1), BoxY: n(2), CellX: n(3), CellY: n(4)}, nil
}

// At returns the cell at ref.
func (g Grid) At(ref CellRef) Cell {
	return g[ref.BoxX][ref.BoxY][ref.CellX][ref.CellY]
}

// Set replaces the cell at ref.
func (g *Grid) Set(ref CellRef, c Cell) {
	g[ref.BoxX][ref.BoxY][ref.CellX][ref.CellY] = c
}

// IsClue reports whether ref holds a given digit in this grid.
// Only meaningful on the initial grid.
func (g Grid) IsClue(ref CellRef) bool {
	c := g.At(ref)
	return !c.HasNotes() && c.Value != 0
}

// Clone returns a deep copy, including notes maps.
func (g Grid) Clone() Grid {
	var out Grid
	g.each(func(ref CellRef, c Cell) { out.Set(ref, c.clone()) })
	return out
}

// Equal reports whether every cell matches.
func (g Grid) Equal(o Grid) bool {
	equal := true
	g.each(func(ref CellRef, c Cell) {
		if equal && !c.Equal(o.At(ref)) {
			equal = false
		}
	})
	return equal
}

func (g Grid) each(fn func(ref CellRef, c Cell)) {
	for bx := 0; bx < 3; bx++ {
		for by := 0; by < 3; by++ {
			for cx := 0; cx < 3; cx++ {
				for cy := 0; cy < 3; cy++ {
					fn(CellRef{bx, by, cx, cy}, g[bx][by][cx][cy])
				}
			}
		}
	}
}

// ParseGrid reads an 81-character row-major string of digits where
// '0' or '.' marks an empty cell.
func ParseGrid(s string) (Grid, error) {
	var g Grid
	if len(s) != 81 {
		return g, fmt.Errorf("grid must have 81 cells, got %d", len(s))
	}
	for i, ch := range s {
		ref := CellAt(i/9, i%9)
		switch {
		case ch == '.' || ch == '0':
		case ch >= '1' && ch <= '9':
			g.Set(ref, Digit(int(ch-'0')))
		default:
			return g, fmt.Errorf("invalid grid character %q at %d", ch, i)
		}
	}
	return g, nil
}

// String renders digits row-major, notes and empty cells as '0'.
func (g Grid) String() string {
	buf := make([]byte, 81)
	for row := 0; row < 9; row++ {
		for col := 0; col < 9; col++ {
			c := g.At(CellAt(row, col))
			b := byte('0')
			if !c.HasNotes() && c.Value >= 1 && c.Value <= 9 {
				b = byte('0' + c.Value)
			}
			buf[row*9+col] = b
		}
	}
	return string(buf)
}
