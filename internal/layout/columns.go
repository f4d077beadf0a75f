package layout

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxColumn is the widest column a worksheet can address (XFD).
const MaxColumn = 16384

// ColumnName converts a 1-based column number to its letters: 1 -> A,
// 27 -> AA.
func ColumnName(n int) (string, error) {
	if n < 1 || n > MaxColumn {
		return "", fmt.Errorf("column %d out of range 1..%d", n, MaxColumn)
	}
	var buf [3]byte
	i := len(buf)
	for n > 0 {
		n--
		i--
		buf[i] = byte('A' + n%26)
		n /= 26
	}
	return string(buf[i:]), nil
}

// ColumnNumber converts column letters to the 1-based column number.
func ColumnNumber(name string) (int, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return 0, fmt.Errorf("empty column name")
	}
	n := 0
	for _, r := range name {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("column %q: invalid letter %q", name, r)
		}
		n = n*26 + int(r-'A'+1)
		if n > MaxColumn {
			return 0, fmt.Errorf("column %q out of range", name)
		}
	}
	return n, nil
}

// CellName renders a 1-based (column, row) pair as "B3".
func CellName(col, row int) (string, error) {
	if row < 1 {
		return "", fmt.Errorf("row %d out of range", row)
	}
	c, err := ColumnName(col)
	if err != nil {
		return "", err
	}
	return c + strconv.Itoa(row), nil
}
