package kanban

import (
	"maps"
	"slices"
)

// Card is a single kanban card.
type Card struct {
	Title string `json:"title"`
}

// Model is the state of one board.
//
// Cols keeps column order. Lanes holds the ordered card ids of each column
// and Wip the per-column card limit. NextID is the id the next added card
// receives; ids are never reused within a board.
type Model struct {
	Cols   []string         `json:"cols"`
	Lanes  map[string][]int `json:"lanes"`
	Wip    map[string]int   `json:"wip"`
	Cards  map[int]Card     `json:"cards"`
	NextID int              `json:"next_id"`
}

// Empty returns a board with no columns. Card ids start at 1.
func Empty() Model {
	return Model{
		Cols:   []string{},
		Lanes:  map[string][]int{},
		Wip:    map[string]int{},
		Cards:  map[int]Card{},
		NextID: 1,
	}
}

// Clone returns a deep copy so callers can mutate the result freely.
func (m Model) Clone() Model {
	out := Model{
		Cols:   slices.Clone(m.Cols),
		Lanes:  make(map[string][]int, len(m.Lanes)),
		Wip:    maps.Clone(m.Wip),
		Cards:  maps.Clone(m.Cards),
		NextID: m.NextID,
	}
	if out.Cols == nil {
		out.Cols = []string{}
	}
	if out.Wip == nil {
		out.Wip = map[string]int{}
	}
	if out.Cards == nil {
		out.Cards = map[int]Card{}
	}
	for col, lane := range m.Lanes {
		out.Lanes[col] = slices.Clone(lane)
	}
	return out
}

// HasColumn reports whether col exists.
func (m Model) HasColumn(col string) bool {
	_, ok := m.Lanes[col]
	return ok
}

// Lane returns the ordered card ids of col (nil if the column is absent).
func (m Model) Lane(col string) []int {
	return m.Lanes[col]
}

// ColumnOf returns the column holding card id.
func (m Model) ColumnOf(id int) (string, bool) {
	for _, col := range m.Cols {
		if slices.Contains(m.Lanes[col], id) {
			return col, true
		}
	}
	return "", false
}

// Equal compares two boards by value. Nil and empty collections are equal.
func Equal(x, y Model) bool {
	if x.NextID != y.NextID {
		return false
	}
	if !slices.Equal(x.Cols, y.Cols) {
		return false
	}
	if !maps.Equal(x.Wip, y.Wip) || !maps.Equal(x.Cards, y.Cards) {
		return false
	}
	return maps.EqualFunc(x.Lanes, y.Lanes, func(a, b []int) bool {
		return slices.Equal(a, b)
	})
}
