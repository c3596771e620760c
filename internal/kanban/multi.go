package kanban

import (
	"encoding/json"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/tandem/internal/domain"
)

// MultiAction is a command that names one or more boards.
type MultiAction interface {
	Kind() string
	isMultiAction()
}

// Multi-action wire tags.
const (
	KindSingle      = "single"
	KindMoveBetween = "move_between"
	KindCopyBetween = "copy_between"
)

// Single wraps a plain action on one board.
type Single struct {
	Board  string `json:"board"`
	Action Action `json:"-"`
}

// MoveBetween moves a card from Src to a column of Dst. The card leaves Src
// and a new card with the same title appears on Dst, or neither happens.
type MoveBetween struct {
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	CardID int    `json:"card_id"`
	ToCol  string `json:"to_col"`
	Place  Place  `json:"place"`
}

// CopyBetween copies a card of Src into a column of Dst. Src is read but not
// written.
type CopyBetween struct {
	Src    string `json:"src"`
	Dst    string `json:"dst"`
	CardID int    `json:"card_id"`
	ToCol  string `json:"to_col"`
	Place  Place  `json:"place"`
}

func (Single) Kind() string      { return KindSingle }
func (MoveBetween) Kind() string { return KindMoveBetween }
func (CopyBetween) Kind() string { return KindCopyBetween }

func (Single) isMultiAction()      {}
func (MoveBetween) isMultiAction() {}
func (CopyBetween) isMultiAction() {}

// ReasonMissingBoard is reported when a multi-action names a board that is
// not part of the dispatch.
const ReasonMissingBoard = "MissingBoard"

// Boards implements the multi-aggregate contract over kanban boards.
type Boards struct{}

// Single returns the per-board contract.
func (Boards) Single() domain.Domain[Model, Action] { return Domain }

// Touched returns the boards x reads or writes.
func (Boards) Touched(x MultiAction) mapset.Set[string] {
	switch x := x.(type) {
	case Single:
		return mapset.NewSet(x.Board)
	case MoveBetween:
		return mapset.NewSet(x.Src, x.Dst)
	case CopyBetween:
		return mapset.NewSet(x.Src, x.Dst)
	default:
		return mapset.NewSet[string]()
	}
}

// Project returns the effective single-board action for every board x
// writes. Boards that x only reads are absent from the result.
func (Boards) Project(ms map[string]Model, x MultiAction) (map[string]Action, error) {
	switch x := x.(type) {
	case Single:
		return map[string]Action{x.Board: x.Action}, nil

	case MoveBetween:
		if x.Src == x.Dst {
			return map[string]Action{x.Src: MoveCard{ID: x.CardID, ToCol: x.ToCol, Place: x.Place}}, nil
		}
		card, err := sourceCard(ms, x.Src, x.CardID)
		if err != nil {
			return nil, err
		}
		return map[string]Action{
			x.Src: DeleteCard{ID: x.CardID},
			x.Dst: InsertCard{Col: x.ToCol, Title: card.Title, Place: x.Place},
		}, nil

	case CopyBetween:
		card, err := sourceCard(ms, x.Src, x.CardID)
		if err != nil {
			return nil, err
		}
		return map[string]Action{
			x.Dst: InsertCard{Col: x.ToCol, Title: card.Title, Place: x.Place},
		}, nil

	default:
		return nil, domain.Reject("UnknownAction", "%T", x)
	}
}

func sourceCard(ms map[string]Model, board string, id int) (Card, error) {
	m, ok := ms[board]
	if !ok {
		return Card{}, domain.Reject(ReasonMissingBoard, "board %q", board)
	}
	card, ok := m.Cards[id]
	if !ok {
		return Card{}, domain.Reject(ReasonMissingCard, "card %d on board %q", id, board)
	}
	return card, nil
}

// Rebase adapts x to a remote action applied on one of its boards. Only the
// destination placement can degrade; a card deleted from the source makes
// the projection fail and the action is rejected.
func (Boards) Rebase(board string, remote Action, x MultiAction) MultiAction {
	switch l := x.(type) {
	case Single:
		if l.Board == board {
			l.Action = Domain.Rebase(remote, l.Action)
		}
		return l

	case MoveBetween:
		if l.Src == l.Dst && l.Src == board {
			if mc, ok := Domain.Rebase(remote, MoveCard{ID: l.CardID, ToCol: l.ToCol, Place: l.Place}).(MoveCard); ok {
				l.Place = mc.Place
			}
			return l
		}
		if l.Dst == board {
			l.Place = degradeOn(remote, l.Place)
		}
		return l

	case CopyBetween:
		if l.Dst == board {
			l.Place = degradeOn(remote, l.Place)
		}
		return l
	}
	return x
}

func degradeOn(remote Action, p Place) Place {
	switch r := remote.(type) {
	case MoveCard:
		return degrade(p, r.ID)
	case DeleteCard:
		return degrade(p, r.ID)
	}
	return p
}

// Candidates mirrors the single-board fallbacks for the destination
// placement: as given, then AtEnd, then before the destination's first card.
func (Boards) Candidates(ms map[string]Model, x MultiAction) []MultiAction {
	switch x := x.(type) {
	case Single:
		m, ok := ms[x.Board]
		if !ok {
			return []MultiAction{x}
		}
		var out []MultiAction
		for _, a := range Domain.Candidates(m, x.Action) {
			out = append(out, Single{Board: x.Board, Action: a})
		}
		return out

	case MoveBetween:
		if x.Place.IsEnd() {
			return []MultiAction{x}
		}
		out := []MultiAction{x}
		end := x
		end.Place = AtEnd()
		out = append(out, end)
		skip := 0
		if x.Src == x.Dst {
			skip = x.CardID
		}
		if first, ok := firstOther(ms[x.Dst].Lane(x.ToCol), skip); ok {
			head := x
			head.Place = Before(first)
			out = append(out, head)
		}
		return out

	case CopyBetween:
		if x.Place.IsEnd() {
			return []MultiAction{x}
		}
		out := []MultiAction{x}
		end := x
		end.Place = AtEnd()
		out = append(out, end)
		if first, ok := firstOther(ms[x.Dst].Lane(x.ToCol), 0); ok {
			head := x
			head.Place = Before(first)
			out = append(out, head)
		}
		return out
	}
	return []MultiAction{x}
}

type singleWire struct {
	Board  string          `json:"board"`
	Action json.RawMessage `json:"action"`
}

// MarshalMultiAction encodes x with a "type" tag. Single nests its action
// under "action".
func MarshalMultiAction(x MultiAction) ([]byte, error) {
	switch x := x.(type) {
	case Single:
		inner, err := MarshalAction(x.Action)
		if err != nil {
			return nil, err
		}
		return marshalTagged(KindSingle, singleWire{Board: x.Board, Action: inner})
	case MoveBetween, CopyBetween:
		return marshalTagged(x.Kind(), x)
	case nil:
		return nil, fmt.Errorf("marshal multi action: nil action")
	default:
		return nil, fmt.Errorf("marshal multi action: unknown type %T", x)
	}
}

// UnmarshalMultiAction decodes the form produced by MarshalMultiAction.
func UnmarshalMultiAction(data []byte) (MultiAction, error) {
	kind, err := readTag(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal multi action: %w", err)
	}
	switch kind {
	case KindSingle:
		wire, err := decodeAs[singleWire](data)
		if err != nil {
			return nil, fmt.Errorf("unmarshal multi action single: %w", err)
		}
		a, err := UnmarshalAction(wire.Action)
		if err != nil {
			return nil, err
		}
		return Single{Board: wire.Board, Action: a}, nil
	case KindMoveBetween:
		x, err := decodeAs[MoveBetween](data)
		if err != nil {
			return nil, fmt.Errorf("unmarshal multi action %s: %w", kind, err)
		}
		return x, nil
	case KindCopyBetween:
		x, err := decodeAs[CopyBetween](data)
		if err != nil {
			return nil, fmt.Errorf("unmarshal multi action %s: %w", kind, err)
		}
		return x, nil
	default:
		return nil, fmt.Errorf("unmarshal multi action: unknown type %q", kind)
	}
}
