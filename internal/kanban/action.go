package kanban

// Action is a board command. The set of actions is closed: only the types in
// this file implement it, and every switch over Action handles all of them.
type Action interface {
	// Kind returns the wire tag of the action.
	Kind() string

	isAction()
}

// Wire tags.
const (
	KindNoOp       = "noop"
	KindAddColumn  = "add_column"
	KindSetWip     = "set_wip"
	KindAddCard    = "add_card"
	KindInsertCard = "insert_card"
	KindMoveCard   = "move_card"
	KindEditTitle  = "edit_title"
	KindDeleteCard = "delete_card"
)

// NoOp changes nothing. Rebase produces it when a local action's target
// was deleted remotely.
type NoOp struct{}

// AddColumn appends a column with a WIP limit. Adding an existing column
// is accepted and changes nothing.
type AddColumn struct {
	Col   string `json:"col"`
	Limit int    `json:"limit"`
}

// SetWip changes a column's WIP limit.
type SetWip struct {
	Col   string `json:"col"`
	Limit int    `json:"limit"`
}

// AddCard appends a new card to a column.
type AddCard struct {
	Col   string `json:"col"`
	Title string `json:"title"`
}

// InsertCard adds a new card at a position. Cross-board moves and copies
// land on the destination board as an InsertCard.
type InsertCard struct {
	Col   string `json:"col"`
	Title string `json:"title"`
	Place Place  `json:"place"`
}

// MoveCard moves a card to a position in a column.
type MoveCard struct {
	ID    int    `json:"id"`
	ToCol string `json:"to_col"`
	Place Place  `json:"place"`
}

// EditTitle renames a card.
type EditTitle struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

// DeleteCard removes a card from the board.
type DeleteCard struct {
	ID int `json:"id"`
}

func (NoOp) Kind() string       { return KindNoOp }
func (AddColumn) Kind() string  { return KindAddColumn }
func (SetWip) Kind() string     { return KindSetWip }
func (AddCard) Kind() string    { return KindAddCard }
func (InsertCard) Kind() string { return KindInsertCard }
func (MoveCard) Kind() string   { return KindMoveCard }
func (EditTitle) Kind() string  { return KindEditTitle }
func (DeleteCard) Kind() string { return KindDeleteCard }

func (NoOp) isAction()       {}
func (AddColumn) isAction()  {}
func (SetWip) isAction()     {}
func (AddCard) isAction()    {}
func (InsertCard) isAction() {}
func (MoveCard) isAction()   {}
func (EditTitle) isAction()  {}
func (DeleteCard) isAction() {}

// PlaceKind selects how a Place positions a card.
type PlaceKind string

const (
	PlaceEnd    PlaceKind = "end"
	PlaceBefore PlaceKind = "before"
	PlaceAfter  PlaceKind = "after"
)

// Place is a position within a lane, either absolute (end) or relative to
// an anchor card.
type Place struct {
	At     PlaceKind `json:"at"`
	Anchor int       `json:"anchor,omitempty"`
}

// AtEnd places a card after every other card of the lane.
func AtEnd() Place { return Place{At: PlaceEnd} }

// Before places a card immediately before anchor.
func Before(anchor int) Place { return Place{At: PlaceBefore, Anchor: anchor} }

// After places a card immediately after anchor.
func After(anchor int) Place { return Place{At: PlaceAfter, Anchor: anchor} }

// IsEnd reports whether p is the end position. The zero Place counts as
// the end.
func (p Place) IsEnd() bool {
	return p.At == PlaceEnd || p.At == ""
}

// HasAnchor reports whether p is relative to card id.
func (p Place) HasAnchor(id int) bool {
	return !p.IsEnd() && p.Anchor == id
}
