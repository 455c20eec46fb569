package engine

import (
	"context"
	"testing"
)

func TestDefaultPolicyThresholds(t *testing.T) {
	e := NewOPAEvaluator("")
	ctx := context.Background()

	cases := []struct {
		score float64
		want  Action
	}{
		{0.0, ActionLog},
		{0.4, ActionLog},
		{0.5, ActionReauth},
		{0.7, ActionReauth},
		{0.8, ActionBlock},
		{1.0, ActionBlock},
	}
	for _, tc := range cases {
		got, err := e.ResolveHijackAction(ctx, tc.score, []string{"ip address changed"})
		if err != nil {
			t.Fatalf("score %v: %v", tc.score, err)
		}
		if got != tc.want {
			t.Errorf("score %v: action = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestCustomPolicy(t *testing.T) {
	const policy = `package sessionctl.hijack_response

default action := "log"

action := "block" if {
	count(input.reasons) >= 2
}
`
	e := NewOPAEvaluator(policy)
	ctx := context.Background()

	got, err := e.ResolveHijackAction(ctx, 0.1, []string{"ip address changed", "user agent changed"})
	if err != nil {
		t.Fatalf("ResolveHijackAction: %v", err)
	}
	if got != ActionBlock {
		t.Errorf("action = %q, want block", got)
	}

	got, err = e.ResolveHijackAction(ctx, 0.9, []string{"ip address changed"})
	if err != nil {
		t.Fatalf("ResolveHijackAction: %v", err)
	}
	if got != ActionLog {
		t.Errorf("action = %q, want log", got)
	}
}

func TestBrokenPolicyFallsBackToThresholds(t *testing.T) {
	e := NewOPAEvaluator("this is not rego")
	ctx := context.Background()

	cases := []struct {
		score float64
		want  Action
	}{
		{0.3, ActionLog},
		{0.6, ActionReauth},
		{0.95, ActionBlock},
	}
	for _, tc := range cases {
		got, err := e.ResolveHijackAction(ctx, tc.score, nil)
		if err != nil {
			t.Fatalf("fallback must not error, got %v", err)
		}
		if got != tc.want {
			t.Errorf("score %v: fallback action = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestPolicyReturningUnknownActionFallsBack(t *testing.T) {
	const policy = `package sessionctl.hijack_response

default action := "quarantine"
`
	e := NewOPAEvaluator(policy)
	got, err := e.ResolveHijackAction(context.Background(), 0.9, nil)
	if err != nil {
		t.Fatalf("ResolveHijackAction: %v", err)
	}
	if got != ActionBlock {
		t.Errorf("action = %q, want block fallback", got)
	}
}

func TestHealthCheck(t *testing.T) {
	if err := NewOPAEvaluator("").HealthCheck(context.Background()); err != nil {
		t.Errorf("default policy health check: %v", err)
	}
	if err := NewOPAEvaluator("garbage").HealthCheck(context.Background()); err == nil {
		t.Error("broken policy passed health check")
	}
}
