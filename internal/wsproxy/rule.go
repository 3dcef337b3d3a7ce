package wsproxy

import (
	"sync"
	"sync/atomic"
	"time"
)

// Matcher decides whether a Rule applies to a given upgrade request.
type Matcher interface {
	Matches(req *AcceptRequest, url *UpstreamRequest) bool
}

// MatcherFunc adapts a plain function to Matcher.
type MatcherFunc func(req *AcceptRequest, url *UpstreamRequest) bool

func (f MatcherFunc) Matches(req *AcceptRequest, url *UpstreamRequest) bool { return f(req, url) }

// ExchangeRecord is one completed exchange recorded against a Rule, used
// both to answer "is this rule complete" and to hand matched exchanges back
// to a caller inspecting proxy activity after the fact.
type ExchangeRecord struct {
	MatchedAt time.Time
	Request   *AcceptRequest
}

// CompletionPredicate decides whether a Rule has satisfied its configured
// expectations (e.g. "exactly once", "at least twice") given its current
// match count.
type CompletionPredicate func(count int) bool

// AlwaysIncomplete never reports completion — the rule stays eligible for
// every matching request indefinitely.
func AlwaysIncomplete(int) bool { return false }

// ExactlyN reports completion once count reaches n.
func ExactlyN(n int) CompletionPredicate {
	return func(count int) bool { return count >= n }
}

// Rule binds a Matcher to a Handler, tracking how many times it has fired
// and (when configured to) recording each match.
type Rule struct {
	ID         string
	Matcher    Matcher
	Handler    Handler
	Complete   CompletionPredicate
	RecordLog  bool

	mu      sync.Mutex
	count   atomic.Int64
	records []ExchangeRecord
	disposed bool
}

// NewRule constructs a Rule. A nil Complete predicate is treated as
// AlwaysIncomplete.
func NewRule(id string, matcher Matcher, handler Handler, complete CompletionPredicate, recordLog bool) *Rule {
	if complete == nil {
		complete = AlwaysIncomplete
	}
	return &Rule{ID: id, Matcher: matcher, Handler: handler, Complete: complete, RecordLog: recordLog}
}

// Matches reports whether this rule applies to req, regardless of whether it
// has already completed — completion is checked separately so that callers
// can skip completed rules while matching against the next one in priority
// order.
func (r *Rule) Matches(req *AcceptRequest, url *UpstreamRequest) bool {
	return r.Matcher.Matches(req, url)
}

// IsComplete reports whether this rule has satisfied its completion
// predicate and should no longer be offered to new requests.
func (r *Rule) IsComplete() bool {
	return r.Complete(int(r.count.Load()))
}

// Handle increments the match counter unconditionally (the counter reflects
// every match regardless of whether the exchange that follows succeeds),
// and — when RecordLog is set — appends a record before the handler runs so
// a long-lived handler's record is visible to inspectors immediately rather
// than only after it returns.
func (r *Rule) Handle(req *AcceptRequest) {
	r.count.Add(1)
	if !r.RecordLog {
		return
	}
	r.mu.Lock()
	r.records = append(r.records, ExchangeRecord{MatchedAt: time.Now(), Request: req})
	r.mu.Unlock()
}

// Count reports how many times this rule has matched.
func (r *Rule) Count() int { return int(r.count.Load()) }

// Records returns a snapshot of recorded exchanges, or nil if RecordLog is
// unset.
func (r *Rule) Records() []ExchangeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.RecordLog {
		return nil
	}
	out := make([]ExchangeRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Explain renders a short human-readable description of this rule for
// diagnostics — the kind of string an unmatched-request error lists
// alongside the other configured rules.
func (r *Rule) Explain() string {
	kind := "unknown"
	if r.Handler != nil {
		kind = r.Handler.Kind()
	}
	return r.ID + " (" + kind + ")"
}

// Dispose marks the rule as permanently unavailable: a disposed rule is
// skipped by every future match lookup without needing to be removed from
// the set it belongs to. It only sets that flag; the bound handler, matcher
// and completion predicate are left untouched and release nothing.
func (r *Rule) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
}

// Disposed reports whether Dispose has been called.
func (r *Rule) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// RuleSet is an ordered collection of Rules evaluated in priority order: the
// first non-disposed, non-complete, matching rule wins (§4.5).
type RuleSet struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewRuleSet builds a RuleSet from an initial ordered slice of rules.
func NewRuleSet(rules ...*Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Add appends a rule to the end of the priority order.
func (s *RuleSet) Add(r *Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
}

// Match returns the first eligible rule matching req, or nil if none do.
func (s *RuleSet) Match(req *AcceptRequest, url *UpstreamRequest) *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Disposed() || r.IsComplete() {
			continue
		}
		if r.Matches(req, url) {
			return r
		}
	}
	return nil
}

// Explain lists every configured rule in priority order, for the
// unmatched-request diagnostic.
func (s *RuleSet) Explain() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Explain()
	}
	return out
}

// DisposeAll disposes every rule in the set. As with Dispose, this only
// marks the rules; no handler-owned resources are released.
func (s *RuleSet) DisposeAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		r.Dispose()
	}
}
