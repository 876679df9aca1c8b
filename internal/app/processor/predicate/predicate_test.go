package predicate

import "testing"

func TestParseAndEvalBuiltinRules(t *testing.T) {
	highErrorRate, err := Parse(`event_type == "error" and windows["1min"].count() > 10`)
	if err != nil {
		t.Fatalf("parse high_error_rate: %v", err)
	}

	ctx := Context{EventType: "error", Windows: map[string]int{"1min": 11}}
	ok, err := Eval(highErrorRate, ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected predicate to match at count 11")
	}

	ctx.Windows["1min"] = 5
	ok, err = Eval(highErrorRate, ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if ok {
		t.Fatalf("expected predicate to not match at count 5")
	}
}

func TestParseActivitySpike(t *testing.T) {
	expr, err := Parse(`event_type in ("user.login","user.logout") and windows["5min"].count() > 100`)
	if err != nil {
		t.Fatalf("parse activity_spike: %v", err)
	}

	ctx := Context{EventType: "user.login", Windows: map[string]int{"5min": 101}}
	ok, err := Eval(expr, ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}

	ctx.EventType = "web.click"
	ok, err = Eval(expr, ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if ok {
		t.Fatalf("expected no match for unrelated event type")
	}
}

func TestUnknownIdentifierRejected(t *testing.T) {
	_, err := Parse(`bogus_field == "x"`)
	if err == nil {
		t.Fatalf("expected error for unknown identifier")
	}
}

func TestDataPathExtraction(t *testing.T) {
	expr, err := Parse(`data.value > 5`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := Context{Data: []byte(`{"value": 9}`)}
	ok, err := Eval(expr, ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected data.value > 5 to hold")
	}
}
