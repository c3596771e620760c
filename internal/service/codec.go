package service

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/multi"
	"github.com/roach88/tandem/internal/server"
)

// Codec serializes models, single actions and multi-actions.
type Codec[M, A, X any] interface {
	domain.Codec[M, A]
	EncodeMulti(x X) ([]byte, error)
	DecodeMulti(data []byte) (X, error)
}

// recordWire is the stored form of server.RequestRecord. Chosen is absent
// for rejected requests.
type recordWire struct {
	BaseVersion int             `json:"base_version"`
	Orig        json.RawMessage `json:"orig"`
	Rebased     json.RawMessage `json:"rebased"`
	Chosen      json.RawMessage `json:"chosen,omitempty"`
	Outcome     server.Outcome  `json:"outcome"`
}

// multiRecordWire is the stored form of multi.Record.
type multiRecordWire struct {
	BaseVersions map[string]int  `json:"base_versions"`
	Orig         json.RawMessage `json:"orig"`
	Rebased      json.RawMessage `json:"rebased"`
	Chosen       json.RawMessage `json:"chosen,omitempty"`
	Outcome      server.Outcome  `json:"outcome"`
}

func encodeRecord[M, A, X any](c Codec[M, A, X], rec server.RequestRecord[A]) ([]byte, error) {
	w := recordWire{BaseVersion: rec.BaseVersion, Outcome: rec.Outcome}
	var err error
	if w.Orig, err = c.EncodeAction(rec.Orig); err != nil {
		return nil, fmt.Errorf("encode record: orig: %w", err)
	}
	if w.Rebased, err = c.EncodeAction(rec.Rebased); err != nil {
		return nil, fmt.Errorf("encode record: rebased: %w", err)
	}
	if rec.Outcome.Status == server.StatusAccepted {
		if w.Chosen, err = c.EncodeAction(rec.Chosen); err != nil {
			return nil, fmt.Errorf("encode record: chosen: %w", err)
		}
	}
	return json.Marshal(w)
}

func decodeRecord[M, A, X any](c Codec[M, A, X], data []byte) (server.RequestRecord[A], error) {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return server.RequestRecord[A]{}, fmt.Errorf("decode record: %w", err)
	}
	rec := server.RequestRecord[A]{BaseVersion: w.BaseVersion, Outcome: w.Outcome}
	var err error
	if rec.Orig, err = c.DecodeAction(w.Orig); err != nil {
		return rec, fmt.Errorf("decode record: orig: %w", err)
	}
	if rec.Rebased, err = c.DecodeAction(w.Rebased); err != nil {
		return rec, fmt.Errorf("decode record: rebased: %w", err)
	}
	if len(w.Chosen) > 0 {
		if rec.Chosen, err = c.DecodeAction(w.Chosen); err != nil {
			return rec, fmt.Errorf("decode record: chosen: %w", err)
		}
	}
	return rec, nil
}

func encodeMultiRecord[M, A, X any](c Codec[M, A, X], rec multi.Record[X]) ([]byte, error) {
	w := multiRecordWire{BaseVersions: rec.BaseVersions, Outcome: rec.Outcome}
	if w.BaseVersions == nil {
		w.BaseVersions = map[string]int{}
	}
	var err error
	if w.Orig, err = c.EncodeMulti(rec.Orig); err != nil {
		return nil, fmt.Errorf("encode multi record: orig: %w", err)
	}
	if w.Rebased, err = c.EncodeMulti(rec.Rebased); err != nil {
		return nil, fmt.Errorf("encode multi record: rebased: %w", err)
	}
	if rec.Outcome.Status == server.StatusAccepted {
		if w.Chosen, err = c.EncodeMulti(rec.Chosen); err != nil {
			return nil, fmt.Errorf("encode multi record: chosen: %w", err)
		}
	}
	return json.Marshal(w)
}

func decodeMultiRecord[M, A, X any](c Codec[M, A, X], data []byte) (multi.Record[X], error) {
	var w multiRecordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return multi.Record[X]{}, fmt.Errorf("decode multi record: %w", err)
	}
	rec := multi.Record[X]{BaseVersions: w.BaseVersions, Outcome: w.Outcome}
	var err error
	if rec.Orig, err = c.DecodeMulti(w.Orig); err != nil {
		return rec, fmt.Errorf("decode multi record: orig: %w", err)
	}
	if rec.Rebased, err = c.DecodeMulti(w.Rebased); err != nil {
		return rec, fmt.Errorf("decode multi record: rebased: %w", err)
	}
	if len(w.Chosen) > 0 {
		if rec.Chosen, err = c.DecodeMulti(w.Chosen); err != nil {
			return rec, fmt.Errorf("decode multi record: chosen: %w", err)
		}
	}
	return rec, nil
}
