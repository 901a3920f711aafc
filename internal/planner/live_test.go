package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentium/controller/internal/taskerr"
)

type fakeLLM struct {
	replies []string
	calls   int
	err     error
}

func (f *fakeLLM) Complete(_ context.Context, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	reply := f.replies[f.calls]
	if f.calls < len(f.replies)-1 {
		f.calls++
	}
	return reply, nil
}

func TestLivePlanParsesFencedJSON(t *testing.T) {
	reply := "```json\n" + `{"workspace":"/srv","workspace_type":"bare","steps":["check"],"reasoning":"r","risk_level":"low","requires_approval":false,"commands":[{"dir":"/srv","run":"uptime"}]}` + "\n```"
	l := NewLive(&fakeLLM{replies: []string{reply}})

	plan, err := l.Plan(context.Background(), "check status", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Commands) != 1 || plan.Commands[0].Run != "uptime" {
		t.Fatalf("unexpected commands: %+v", plan.Commands)
	}
}

func TestLivePlanRetriesOnceOnInvalidJSON(t *testing.T) {
	validReply := `{"workspace":"/srv","workspace_type":"bare","steps":["check"],"reasoning":"r","risk_level":"low","requires_approval":false,"commands":[{"dir":"/srv","run":"uptime"}]}`
	l := NewLive(&fakeLLM{replies: []string{"not json at all", validReply}})

	plan, err := l.Plan(context.Background(), "check status", nil)
	if err != nil {
		t.Fatalf("expected the retry to succeed, got: %v", err)
	}
	if len(plan.Commands) != 1 {
		t.Fatalf("expected one command after retry, got %d", len(plan.Commands))
	}
}

func TestLivePlanFailsAfterSecondInvalidReply(t *testing.T) {
	l := NewLive(&fakeLLM{replies: []string{"nope", "still not json"}})

	_, err := l.Plan(context.Background(), "check status", nil)
	var formatErr *ErrPlannerFormat
	if !errors.As(err, &formatErr) {
		t.Fatalf("expected ErrPlannerFormat, got: %v", err)
	}
}

func TestLivePlanPropagatesCompletionError(t *testing.T) {
	l := NewLive(&fakeLLM{err: errors.New("network down")})
	_, err := l.Plan(context.Background(), "check status", nil)
	if err == nil {
		t.Fatal("expected an error when the llm client fails")
	}
}

func TestLivePlanRejectsDeniedCommand(t *testing.T) {
	reply := `{"workspace":"/","workspace_type":"bare","steps":["wipe"],"reasoning":"r","risk_level":"low","requires_approval":false,"commands":[{"dir":"/","run":"rm -rf /"}]}`
	l := NewLive(&fakeLLM{replies: []string{reply}})

	plan, err := l.Plan(context.Background(), "clean up disk space", nil)
	if plan != nil {
		t.Fatalf("expected a nil plan for a denied command, got %+v", plan)
	}
	var tErr *taskerr.Error
	if !errors.As(err, &tErr) {
		t.Fatalf("expected a *taskerr.Error, got %v (%T)", err, err)
	}
	if tErr.Kind != taskerr.KindSafetyDenied {
		t.Fatalf("kind = %s, want %s", tErr.Kind, taskerr.KindSafetyDenied)
	}
	if strings.Contains(tErr.Message, "rm -rf") {
		t.Fatalf("public message must not leak the offending command, got %q", tErr.Message)
	}
	if !strings.Contains(tErr.Detail, "rm -rf /") {
		t.Fatalf("audit-only detail should carry the offending command, got %q", tErr.Detail)
	}
}
