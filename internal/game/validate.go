package game

import "github.com/ashureev/sudoku-sync/internal/domain"

// Check is the validation result for one cell.
type Check int

const (
	// Unchecked cells are clues, or cells outside the checked area.
	Unchecked Check = iota
	Correct
	Incorrect
)

func (c Check) String() string {
	switch c {
	case Correct:
		return "correct"
	case Incorrect:
		return "incorrect"
	default:
		return "unchecked"
	}
}

// MarshalJSON renders Unchecked as null and the others as booleans.
func (c Check) MarshalJSON() ([]byte, error) {
	switch c {
	case Correct:
		return []byte("true"), nil
	case Incorrect:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// Validation holds a Check per cell, indexed like domain.Grid.
type Validation [3][3][3][3]Check

// At returns the check for ref.
func (v *Validation) At(ref domain.CellRef) Check {
	return v[ref.BoxX][ref.BoxY][ref.CellX][ref.CellY]
}

func (v *Validation) set(ref domain.CellRef, c Check) {
	v[ref.BoxX][ref.BoxY][ref.CellX][ref.CellY] = c
}

// checkCellValue compares one player cell against the solution. Notes
// never count as a correct answer.
func checkCellValue(ref domain.CellRef, final, answer *domain.Grid) Check {
	got, want := answer.At(ref), final.At(ref)
	if !got.HasNotes() && got.Value == want.Value {
		return Correct
	}
	return Incorrect
}

// CheckGrid validates every non-clue cell of answer against final.
// complete is true when all of them are correct.
func CheckGrid(initial, final, answer domain.Grid) (v Validation, complete bool) {
	complete = true
	for row := 0; row < 9; row++ {
		for col := 0; col < 9; col++ {
			ref := domain.CellAt(row, col)
			if initial.IsClue(ref) {
				continue
			}
			c := checkCellValue(ref, &final, &answer)
			if c == Incorrect {
				complete = false
			}
			v.set(ref, c)
		}
	}
	return v, complete
}

// CheckCell validates only ref. Clue cells stay unchecked.
func CheckCell(ref domain.CellRef, initial, final, answer domain.Grid) Validation {
	var v Validation
	if ref.Valid() && !initial.IsClue(ref) {
		v.set(ref, checkCellValue(ref, &final, &answer))
	}
	return v
}
