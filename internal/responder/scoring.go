package responder

import (
	"math"
	"sort"
	"strconv"
	"time"

	"yesman/internal/learnstore"
)

type scopeLevel int

const (
	scopeSession scopeLevel = iota
	scopeProject
	scopeGlobal
)

type candidate struct {
	Response string
	Score    float64
}

type verdict struct {
	Response   string
	Confidence float64
	Margin     float64
	HasData    bool
}

// dedupe collapses correction records: later records for the same decision
// (same session, DecidedAt and response) supersede earlier ones by
// RecordedAt.
func dedupe(records []learnstore.Record) []learnstore.Record {
	latest := map[string]learnstore.Record{}
	for _, rec := range records {
		key := rec.SessionID + "|" + strconv.FormatInt(rec.DecidedAt.UnixNano(), 10) + "|" + rec.Response
		if prev, ok := latest[key]; !ok || rec.RecordedAt.After(prev.RecordedAt) {
			latest[key] = rec
		}
	}
	out := make([]learnstore.Record, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out
}

func (r *Responder) recencyWeight(decidedAt, now time.Time) float64 {
	age := now.Sub(decidedAt)
	if age < 0 {
		age = 0
	}
	halfLives := age.Hours() / r.cfg.HalfLife.Hours()
	return math.Pow(0.5, halfLives)
}

// score aggregates per-response evidence. Applied outcomes add recency
// weight, failed outcomes subtract it scaled by the failure penalty;
// superseded and unknown outcomes carry no signal. Records from foreign
// projects only reach here at global scope and count at the cross-project
// weight.
func (r *Responder) score(records []learnstore.Record, key ContextKey, now time.Time) []candidate {
	totals := map[string]float64{}
	for _, rec := range dedupe(records) {
		w := r.recencyWeight(rec.DecidedAt, now)
		if rec.Project != key.Project {
			w *= r.cfg.CrossProjectWeight
		}
		switch Outcome(rec.Outcome) {
		case OutcomeApplied:
			totals[rec.Response] += w
		case OutcomeFailed:
			totals[rec.Response] -= r.cfg.FailurePenalty * w
		}
	}
	out := make([]candidate, 0, len(totals))
	for response, score := range totals {
		out = append(out, candidate{Response: response, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Response < out[j].Response
	})
	return out
}

// evaluate normalizes scores into a confidence: the winner's share of all
// positive evidence. Margin is the confidence gap to the runner-up.
func evaluate(cands []candidate) verdict {
	if len(cands) == 0 {
		return verdict{}
	}
	var positive float64
	for _, c := range cands {
		if c.Score > 0 {
			positive += c.Score
		}
	}
	top := cands[0]
	if top.Score <= 0 || positive == 0 {
		return verdict{HasData: true}
	}
	v := verdict{
		Response:   top.Response,
		Confidence: top.Score / positive,
		HasData:    true,
	}
	v.Margin = v.Confidence
	if len(cands) > 1 && cands[1].Score > 0 {
		v.Margin = (top.Score - cands[1].Score) / positive
	}
	return v
}
