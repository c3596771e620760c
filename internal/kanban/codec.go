package kanban

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MarshalAction encodes an action as a flat JSON object tagged with "type",
// e.g. {"type":"move_card","id":1,"to_col":"Doing","place":{"at":"end"}}.
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("marshal action: nil action")
	}
	return marshalTagged(a.Kind(), a)
}

// UnmarshalAction decodes the tagged form produced by MarshalAction.
func UnmarshalAction(data []byte) (Action, error) {
	kind, err := readTag(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}

	var a Action
	switch kind {
	case KindNoOp:
		return NoOp{}, nil
	case KindAddColumn:
		a, err = decodeAs[AddColumn](data)
	case KindSetWip:
		a, err = decodeAs[SetWip](data)
	case KindAddCard:
		a, err = decodeAs[AddCard](data)
	case KindInsertCard:
		a, err = decodeAs[InsertCard](data)
	case KindMoveCard:
		a, err = decodeAs[MoveCard](data)
	case KindEditTitle:
		a, err = decodeAs[EditTitle](data)
	case KindDeleteCard:
		a, err = decodeAs[DeleteCard](data)
	default:
		return nil, fmt.Errorf("unmarshal action: unknown type %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal action %s: %w", kind, err)
	}
	return a, nil
}

func marshalTagged(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}
	fields["type"] = json.RawMessage(strconv.Quote(kind))
	return json.Marshal(fields)
}

func readTag(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	if head.Type == "" {
		return "", fmt.Errorf("missing type tag")
	}
	return head.Type, nil
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Codec serializes boards and actions. It satisfies domain.Codec for single
// boards and adds the cross-board action methods used by multi dispatch.
type Codec struct{}

func (Codec) EncodeModel(m Model) ([]byte, error) {
	return json.Marshal(m)
}

func (Codec) DecodeModel(data []byte) (Model, error) {
	m := Empty()
	if err := json.Unmarshal(data, &m); err != nil {
		return Model{}, fmt.Errorf("decode board: %w", err)
	}
	// Normalize so decoded boards compare equal to built ones.
	return m.Clone(), nil
}

func (Codec) EncodeAction(a Action) ([]byte, error) { return MarshalAction(a) }

func (Codec) DecodeAction(data []byte) (Action, error) { return UnmarshalAction(data) }

func (Codec) EncodeMulti(x MultiAction) ([]byte, error) { return MarshalMultiAction(x) }

func (Codec) DecodeMulti(data []byte) (MultiAction, error) { return UnmarshalMultiAction(data) }
