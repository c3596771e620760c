package multi

import (
	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/server"
)

// Reply is the server's answer to one multi-dispatch.
//
// Versions and Presents cover every touched aggregate that exists. Changed
// lists, sorted, the aggregates whose version advanced; Applied holds the
// action appended to each of them.
type Reply[M, A, X any] struct {
	Accepted bool
	Versions map[string]int
	Presents map[string]M
	Applied  map[string]A
	Changed  []string
	NoChange bool
	Reason   string
	Detail   string
	Rebased  X
	Chosen   X
}

// Record is the audit entry of one multi-dispatch.
type Record[X any] struct {
	BaseVersions map[string]int `json:"base_versions"`
	Orig         X              `json:"orig"`
	Rebased      X              `json:"rebased"`
	Chosen       X              `json:"chosen"`
	Outcome      server.Outcome `json:"outcome"`
}

// Dispatch reconciles x with the authoritative states of the aggregates it
// touches.
//
// x is rebased through each touched aggregate's suffix since its base
// version, in sorted aggregate order. The first candidate whose projection
// every touched aggregate accepts is applied; otherwise nothing is. Only
// aggregates whose model changed get a new log entry. A missing base version
// is taken as the aggregate's current version.
//
// servers is not modified; the returned map shares unchanged entries.
func Dispatch[M, A, X any](
	md Domain[M, A, X],
	servers map[string]server.State[M, A],
	baseVersions map[string]int,
	x X,
) (map[string]server.State[M, A], Reply[M, A, X], Record[X]) {
	touched := TouchedIDs(md, x)
	bases := make(map[string]int, len(touched))
	presents := make(map[string]M, len(touched))
	versions := make(map[string]int, len(touched))

	for _, id := range touched {
		s, ok := servers[id]
		if !ok {
			rec := Record[X]{
				BaseVersions: baseVersions,
				Orig:         x,
				Rebased:      x,
				Outcome:      server.Outcome{Status: server.StatusRejected, Reason: ReasonMissingAggregate, Detail: id},
			}
			return servers, Reply[M, A, X]{Reason: ReasonMissingAggregate, Detail: id, Rebased: x}, rec
		}
		base, ok := baseVersions[id]
		if !ok {
			base = s.Version()
		}
		bases[id] = min(max(base, 0), s.Version())
		presents[id] = s.Present
		versions[id] = s.Version()
	}

	rebased := x
	for _, id := range touched {
		for _, remote := range servers[id].Suffix(bases[id]) {
			rebased = md.Rebase(id, remote, rebased)
		}
	}

	var (
		next    map[string]M
		applied map[string]A
		chosen  X
		ok      bool
	)
	for _, c := range md.Candidates(presents, rebased) {
		n, a, err := TryMultiStep(md, presents, c)
		if err != nil {
			continue
		}
		next, applied, chosen, ok = n, a, c, true
		break
	}

	if !ok {
		_, _, err := TryMultiStep(md, presents, rebased)
		detail := domain.ReasonOf(err)
		rec := Record[X]{
			BaseVersions: bases,
			Orig:         x,
			Rebased:      rebased,
			Outcome:      server.Outcome{Status: server.StatusRejected, Reason: domain.ReasonDomainInvalid, Detail: detail},
		}
		return servers, Reply[M, A, X]{
			Versions: versions,
			Presents: presents,
			Reason:   domain.ReasonDomainInvalid,
			Detail:   detail,
			Rebased:  rebased,
		}, rec
	}

	single := md.Single()
	out := Merge(servers, nil)
	appended := make(map[string]A)
	var changed []string
	for _, id := range touched {
		m, written := next[id]
		if !written || single.Equal(presents[id], m) {
			continue
		}
		a := applied[id]
		out[id] = servers[id].Append(m, a, server.RequestRecord[A]{
			BaseVersion: bases[id],
			Orig:        a,
			Rebased:     a,
			Chosen:      a,
			Outcome:     server.Outcome{Status: server.StatusAccepted},
		})
		appended[id] = a
		presents[id] = m
		versions[id] = out[id].Version()
		changed = append(changed, id)
	}

	noChange := len(changed) == 0
	rec := Record[X]{
		BaseVersions: bases,
		Orig:         x,
		Rebased:      rebased,
		Chosen:       chosen,
		Outcome:      server.Outcome{Status: server.StatusAccepted, NoChange: noChange},
	}
	return out, Reply[M, A, X]{
		Accepted: true,
		Versions: versions,
		Presents: presents,
		Applied:  appended,
		Changed:  changed,
		NoChange: noChange,
		Rebased:  rebased,
		Chosen:   chosen,
	}, rec
}
