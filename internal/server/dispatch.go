package server

import (
	"github.com/roach88/tandem/internal/domain"
)

// Reply is the server's answer to one dispatch.
//
// When Accepted, Version and Present are the new authoritative values and
// Applied is the action that was appended. NoChange reports that Applied left
// the model as it was; the version still advances.
//
// When rejected, Reason is domain.ReasonDomainInvalid and Detail names the
// domain rule that refused the rebased action. Rebased is kept for
// diagnostics. Version and Present carry the unchanged authoritative values.
type Reply[M, A any] struct {
	Accepted bool
	Version  int
	Present  M
	Applied  A
	NoChange bool
	Reason   string
	Detail   string
	Rebased  A
}

// Dispatch reconciles orig, written against baseVersion, with the
// authoritative state s.
//
// orig is rebased through every action applied since baseVersion, expanded
// into candidates against the present model, and the first candidate that
// TryStep accepts is appended. If none is accepted the request is audited as
// rejected and the applied log is untouched.
//
// baseVersion is clamped into [0, s.Version()]. A base beyond the server's
// version means the caller saw state the server never had; it is treated as
// current.
func Dispatch[M, A any](d domain.Domain[M, A], s State[M, A], baseVersion int, orig A) (State[M, A], Reply[M, A]) {
	baseVersion = min(max(baseVersion, 0), s.Version())

	rebased := domain.RebaseThroughSuffix(d, s.Suffix(baseVersion), orig)
	candidates := d.Candidates(s.Present, rebased)
	next, chosen, ok := domain.ChooseCandidate(d, s.Present, candidates)

	if !ok {
		detail := rejectionDetail(d, s.Present, rebased)
		rec := RequestRecord[A]{
			BaseVersion: baseVersion,
			Orig:        orig,
			Rebased:     rebased,
			Outcome:     Outcome{Status: StatusRejected, Reason: domain.ReasonDomainInvalid, Detail: detail},
		}
		return s.Record(rec), Reply[M, A]{
			Version: s.Version(),
			Present: s.Present,
			Reason:  domain.ReasonDomainInvalid,
			Detail:  detail,
			Rebased: rebased,
		}
	}

	noChange := d.Equal(s.Present, next)
	rec := RequestRecord[A]{
		BaseVersion: baseVersion,
		Orig:        orig,
		Rebased:     rebased,
		Chosen:      chosen,
		Outcome:     Outcome{Status: StatusAccepted, NoChange: noChange},
	}
	out := s.Append(next, chosen, rec)
	return out, Reply[M, A]{
		Accepted: true,
		Version:  out.Version(),
		Present:  next,
		Applied:  chosen,
		NoChange: noChange,
		Rebased:  rebased,
	}
}

// rejectionDetail reports the reason the rebased action itself was refused.
func rejectionDetail[M, A any](d domain.Domain[M, A], m M, a A) string {
	_, err := d.TryStep(m, a)
	return domain.ReasonOf(err)
}
