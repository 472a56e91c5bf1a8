package tools

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/samsaffron/llmchat/internal/llm"
)

func call(name string) llm.ToolCall {
	return llm.ToolCall{ID: "call-" + name, Name: name, Arguments: []byte(`{}`)}
}

func TestApprovalAllowAllSkipsPrompt(t *testing.T) {
	m, err := NewApprovalManager(true, nil, func(context.Context, llm.ToolCall) (Decision, error) {
		t.Fatal("prompt should not run")
		return DecisionDeny, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := m.Approve(context.Background(), call("anything"))
	if err != nil || !d.Approved() {
		t.Fatalf("Approve() = %v, %v", d, err)
	}
}

func TestApprovalAutoApprovePatterns(t *testing.T) {
	var prompts int
	m, err := NewApprovalManager(false, []string{"search_*", "fs__read*"}, func(context.Context, llm.ToolCall) (Decision, error) {
		prompts++
		return DecisionDeny, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		want bool
	}{
		{"search_documents", true},
		{"fs__read_file", true},
		{"fs__write_file", false},
		{"shell", false},
	}
	for _, tt := range tests {
		d, err := m.Approve(context.Background(), call(tt.name))
		if err != nil {
			t.Fatalf("Approve(%s): %v", tt.name, err)
		}
		if d.Approved() != tt.want {
			t.Errorf("Approve(%s) = %v, want approved=%v", tt.name, d, tt.want)
		}
	}
	if prompts != 2 {
		t.Errorf("prompts = %d, want 2", prompts)
	}
}

func TestApprovalInvalidPattern(t *testing.T) {
	if _, err := NewApprovalManager(false, []string{"[unclosed"}, nil); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestApprovalAllowAllDecisionSticks(t *testing.T) {
	var prompts int
	m, _ := NewApprovalManager(false, nil, func(context.Context, llm.ToolCall) (Decision, error) {
		prompts++
		return DecisionAllowAll, nil
	})

	for _, name := range []string{"a", "b", "c"} {
		d, err := m.Approve(context.Background(), call(name))
		if err != nil || !d.Approved() {
			t.Fatalf("Approve(%s) = %v, %v", name, d, err)
		}
	}
	if prompts != 1 {
		t.Errorf("prompts = %d, want 1", prompts)
	}
	if !m.AllowAll() {
		t.Error("AllowAll() = false after allow-all decision")
	}
}

func TestApprovalWithoutPromptDenies(t *testing.T) {
	m, _ := NewApprovalManager(false, nil, nil)
	d, err := m.Approve(context.Background(), call("shell"))
	if err != nil || d != DecisionDeny {
		t.Fatalf("Approve() = %v, %v", d, err)
	}
}

func TestApprovalPromptError(t *testing.T) {
	boom := errors.New("tty gone")
	m, _ := NewApprovalManager(false, nil, func(context.Context, llm.ToolCall) (Decision, error) {
		return DecisionApprove, boom
	})
	d, err := m.Approve(context.Background(), call("x"))
	if !errors.Is(err, boom) || d.Approved() {
		t.Fatalf("Approve() = %v, %v", d, err)
	}
}

func TestApprovalPromptsAreSerialized(t *testing.T) {
	var active, maxActive int32
	m, _ := NewApprovalManager(false, nil, func(context.Context, llm.ToolCall) (Decision, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		atomic.AddInt32(&active, -1)
		return DecisionApprove, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Approve(context.Background(), call("x"))
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("max concurrent prompts = %d, want 1", maxActive)
	}
}

func TestPromptDescription(t *testing.T) {
	if got := PromptDescription(llm.ToolCall{}); got != "(no arguments)" {
		t.Errorf("empty args = %q", got)
	}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	got := []rune(PromptDescription(llm.ToolCall{Arguments: long}))
	if len(got) != maxPromptArgs+1 {
		t.Errorf("truncated length = %d", len(got))
	}
}
