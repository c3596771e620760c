package kanban

import (
	"slices"

	"github.com/roach88/tandem/internal/domain"
)

// Rejection reasons.
const (
	ReasonMissingColumn = "MissingColumn"
	ReasonMissingCard   = "MissingCard"
	ReasonWipExceeded   = "WipExceeded"
	ReasonBadAnchor     = "BadAnchor"
	ReasonBadLimit      = "BadLimit"
)

// Domain is the kanban instance of the domain contract.
var Domain domain.Domain[Model, Action] = board{}

type board struct{}

func (board) Init() Model { return Empty() }

func (board) Equal(x, y Model) bool { return Equal(x, y) }

// TryStep applies a to m. The input model is never modified.
func (board) TryStep(m Model, a Action) (Model, error) {
	switch a := a.(type) {
	case NoOp:
		return m, nil

	case AddColumn:
		if a.Limit < 0 {
			return m, domain.Reject(ReasonBadLimit, "limit %d", a.Limit)
		}
		if m.HasColumn(a.Col) {
			return m, nil
		}
		out := m.Clone()
		out.Cols = append(out.Cols, a.Col)
		out.Lanes[a.Col] = []int{}
		out.Wip[a.Col] = a.Limit
		return out, nil

	case SetWip:
		if !m.HasColumn(a.Col) {
			return m, domain.Reject(ReasonMissingColumn, "column %q", a.Col)
		}
		if a.Limit < 0 {
			return m, domain.Reject(ReasonBadLimit, "limit %d", a.Limit)
		}
		if a.Limit < len(m.Lanes[a.Col]) {
			return m, domain.Reject(ReasonWipExceeded, "column %q holds %d cards", a.Col, len(m.Lanes[a.Col]))
		}
		out := m.Clone()
		out.Wip[a.Col] = a.Limit
		return out, nil

	case AddCard:
		return insert(m, a.Col, a.Title, AtEnd())

	case InsertCard:
		return insert(m, a.Col, a.Title, a.Place)

	case MoveCard:
		return move(m, a)

	case EditTitle:
		if _, ok := m.Cards[a.ID]; !ok {
			return m, domain.Reject(ReasonMissingCard, "card %d", a.ID)
		}
		out := m.Clone()
		out.Cards[a.ID] = Card{Title: a.Title}
		return out, nil

	case DeleteCard:
		if _, ok := m.Cards[a.ID]; !ok {
			return m, domain.Reject(ReasonMissingCard, "card %d", a.ID)
		}
		out := m.Clone()
		removeFromLanes(&out, a.ID)
		delete(out.Cards, a.ID)
		return out, nil

	default:
		return m, domain.Reject("UnknownAction", "%T", a)
	}
}

func insert(m Model, col, title string, place Place) (Model, error) {
	if !m.HasColumn(col) {
		return m, domain.Reject(ReasonMissingColumn, "column %q", col)
	}
	lane := m.Lanes[col]
	if m.Wip[col] < len(lane)+1 {
		return m, domain.Reject(ReasonWipExceeded, "column %q is at its limit of %d", col, m.Wip[col])
	}
	pos, err := resolve(lane, place)
	if err != nil {
		return m, err
	}
	out := m.Clone()
	id := out.NextID
	out.Lanes[col] = slices.Insert(out.Lanes[col], pos, id)
	out.Cards[id] = Card{Title: title}
	out.NextID++
	return out, nil
}

func move(m Model, a MoveCard) (Model, error) {
	if _, ok := m.Cards[a.ID]; !ok {
		return m, domain.Reject(ReasonMissingCard, "card %d", a.ID)
	}
	if !m.HasColumn(a.ToCol) {
		return m, domain.Reject(ReasonMissingColumn, "column %q", a.ToCol)
	}
	lane := m.Lanes[a.ToCol]
	incoming := 1
	if slices.Contains(lane, a.ID) {
		incoming = 0
	}
	if m.Wip[a.ToCol] < len(lane)+incoming {
		return m, domain.Reject(ReasonWipExceeded, "column %q is at its limit of %d", a.ToCol, m.Wip[a.ToCol])
	}
	out := m.Clone()
	removeFromLanes(&out, a.ID)
	pos, err := resolve(out.Lanes[a.ToCol], a.Place)
	if err != nil {
		return m, err
	}
	out.Lanes[a.ToCol] = slices.Insert(out.Lanes[a.ToCol], pos, a.ID)
	return out, nil
}

// resolve turns a Place into an insertion index within lane.
func resolve(lane []int, p Place) (int, error) {
	if p.IsEnd() {
		return len(lane), nil
	}
	idx := slices.Index(lane, p.Anchor)
	if idx < 0 {
		return 0, domain.Reject(ReasonBadAnchor, "anchor %d is not in the lane", p.Anchor)
	}
	if p.At == PlaceAfter {
		idx++
	}
	return min(max(idx, 0), len(lane)), nil
}

func removeFromLanes(m *Model, id int) {
	for col, lane := range m.Lanes {
		if i := slices.Index(lane, id); i >= 0 {
			m.Lanes[col] = slices.Delete(lane, i, i+1)
		}
	}
}

// Rebase adapts local to a remote action applied ahead of it. Anchors that
// were moved or deleted degrade to AtEnd; actions on a deleted card become
// NoOp.
func (board) Rebase(remote, local Action) Action {
	if _, ok := local.(NoOp); ok {
		return local
	}
	switch r := remote.(type) {
	case MoveCard:
		switch l := local.(type) {
		case MoveCard:
			if l.ID == r.ID {
				return l
			}
			l.Place = degrade(l.Place, r.ID)
			return l
		case InsertCard:
			l.Place = degrade(l.Place, r.ID)
			return l
		}

	case DeleteCard:
		switch l := local.(type) {
		case MoveCard:
			if l.ID == r.ID {
				return NoOp{}
			}
			l.Place = degrade(l.Place, r.ID)
			return l
		case InsertCard:
			l.Place = degrade(l.Place, r.ID)
			return l
		case EditTitle:
			if l.ID == r.ID {
				return NoOp{}
			}
		case DeleteCard:
			if l.ID == r.ID {
				return NoOp{}
			}
		}
	}
	return local
}

func degrade(p Place, invalidated int) Place {
	if p.HasAnchor(invalidated) {
		return AtEnd()
	}
	return p
}

// Candidates offers, for anchored placements, the original action, then
// AtEnd, then "before the first card" of the target lane.
func (board) Candidates(m Model, a Action) []Action {
	switch a := a.(type) {
	case MoveCard:
		if a.Place.IsEnd() {
			return []Action{a}
		}
		out := []Action{a, MoveCard{ID: a.ID, ToCol: a.ToCol, Place: AtEnd()}}
		if first, ok := firstOther(m.Lane(a.ToCol), a.ID); ok {
			out = append(out, MoveCard{ID: a.ID, ToCol: a.ToCol, Place: Before(first)})
		}
		return out

	case InsertCard:
		if a.Place.IsEnd() {
			return []Action{a}
		}
		out := []Action{a, InsertCard{Col: a.Col, Title: a.Title, Place: AtEnd()}}
		if first, ok := firstOther(m.Lane(a.Col), 0); ok {
			out = append(out, InsertCard{Col: a.Col, Title: a.Title, Place: Before(first)})
		}
		return out

	default:
		return []Action{a}
	}
}

func firstOther(lane []int, skip int) (int, bool) {
	for _, id := range lane {
		if id != skip {
			return id, true
		}
	}
	return 0, false
}
