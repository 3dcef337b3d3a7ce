package wsproxy

import "testing"

func alwaysMatch(*AcceptRequest, *UpstreamRequest) bool { return true }

func TestRule_CounterIncrementsRegardlessOfRecording(t *testing.T) {
	r := NewRule("r1", MatcherFunc(alwaysMatch), &EchoHandler{}, nil, false)

	r.Handle(&AcceptRequest{})
	r.Handle(&AcceptRequest{})

	if got := r.Count(); got != 2 {
		t.Errorf("expected count 2, got %d", got)
	}
	if recs := r.Records(); recs != nil {
		t.Errorf("expected no records when RecordLog is false, got %d", len(recs))
	}
}

func TestRule_RecordsWhenEnabled(t *testing.T) {
	r := NewRule("r2", MatcherFunc(alwaysMatch), &EchoHandler{}, nil, true)

	req := &AcceptRequest{}
	r.Handle(req)

	recs := r.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Request != req {
		t.Errorf("expected recorded request to match original")
	}
}

func TestRule_CompletesAfterN(t *testing.T) {
	r := NewRule("r3", MatcherFunc(alwaysMatch), &EchoHandler{}, ExactlyN(2), false)

	if r.IsComplete() {
		t.Fatal("expected incomplete before any matches")
	}
	r.Handle(&AcceptRequest{})
	if r.IsComplete() {
		t.Fatal("expected incomplete after one match")
	}
	r.Handle(&AcceptRequest{})
	if !r.IsComplete() {
		t.Fatal("expected complete after two matches")
	}
}

func TestRuleSet_SkipsDisposedAndCompleted(t *testing.T) {
	first := NewRule("first", MatcherFunc(alwaysMatch), &EchoHandler{}, ExactlyN(1), false)
	second := NewRule("second", MatcherFunc(alwaysMatch), &ListenHandler{}, nil, false)
	set := NewRuleSet(first, second)

	req := &AcceptRequest{}
	matched := set.Match(req, nil)
	if matched != first {
		t.Fatalf("expected first rule to match initially")
	}
	matched.Handle(req)

	matched = set.Match(req, nil)
	if matched != second {
		t.Fatalf("expected second rule once first completes, got %v", matched)
	}

	second.Dispose()
	if set.Match(req, nil) != nil {
		t.Fatalf("expected no match once all rules are complete or disposed")
	}
}
