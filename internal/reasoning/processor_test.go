package reasoning

import (
	"strings"
	"testing"
)

func TestProcessChunk_ClosedBlock(t *testing.T) {
	p := NewProcessor()
	chunks := []string{"<think>", "abc", "</think>", "hello"}
	want := []string{"", "", "", "hello"}

	for i, c := range chunks {
		if got := p.ProcessChunk(c); got != want[i] {
			t.Errorf("ProcessChunk(%q) = %q, want %q", c, got, want[i])
		}
	}
	if got := p.Finalize(); got != "" {
		t.Errorf("Finalize() = %q, want empty", got)
	}
	if got := p.Reasoning(); got != "abc" {
		t.Errorf("Reasoning() = %q, want %q", got, "abc")
	}
}

func TestFinalize_UnterminatedBlock(t *testing.T) {
	p := NewProcessor()
	p.ProcessChunk("<think>")
	p.ProcessChunk("partial")

	got := p.Finalize()
	idx := strings.Index(got, "partial")
	if idx < 0 {
		t.Fatalf("Finalize() = %q, missing buffered reasoning", got)
	}
	if !strings.HasSuffix(got, CloseTag) || strings.LastIndex(got, CloseTag) < idx {
		t.Fatalf("Finalize() = %q, want close tag after content", got)
	}
	if p.InBlock() {
		t.Error("processor still in block after Finalize")
	}
}

func TestProcessChunk_SplitTags(t *testing.T) {
	p := NewProcessor()
	var visible strings.Builder
	for _, c := range []string{"Hi <th", "ink>secret</th", "ink> there"} {
		visible.WriteString(p.ProcessChunk(c))
	}
	visible.WriteString(p.Finalize())

	if got := visible.String(); got != "Hi  there" {
		t.Errorf("visible = %q, want %q", got, "Hi  there")
	}
	if got := p.Reasoning(); got != "secret" {
		t.Errorf("Reasoning() = %q, want %q", got, "secret")
	}
}

func TestProcessChunk_PartialTagThatIsText(t *testing.T) {
	p := NewProcessor()
	got := p.ProcessChunk("a <t")
	if got != "a " {
		t.Fatalf("ProcessChunk = %q, want %q", got, "a ")
	}
	got = p.ProcessChunk("able>")
	if got != "<table>" {
		t.Fatalf("ProcessChunk = %q, want %q", got, "<table>")
	}
}

func TestFinalize_FlushesHeldText(t *testing.T) {
	p := NewProcessor()
	if got := p.ProcessChunk("x <thi"); got != "x " {
		t.Fatalf("ProcessChunk = %q", got)
	}
	if got := p.Finalize(); got != "<thi" {
		t.Errorf("Finalize() = %q, want %q", got, "<thi")
	}
}

func TestProcessReasoning(t *testing.T) {
	p := NewProcessor()
	p.ProcessReasoning("step one, ")
	p.ProcessReasoning("step two")
	if got := p.ProcessChunk("answer"); got != "answer" {
		t.Errorf("ProcessChunk = %q", got)
	}
	if got := p.Reasoning(); got != "step one, step two" {
		t.Errorf("Reasoning() = %q", got)
	}
}

func TestRemoveContent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<think>hmm</think>Answer", "Answer"},
		{"Before <think>a</think> mid <think>b</think> after", "Before  mid  after"},
		{"Answer<think>still thinking", "Answer"},
		{"  plain  ", "plain"},
		{"<think>only</think>", ""},
	}
	for _, tt := range tests {
		if got := RemoveContent(tt.in); got != tt.want {
			t.Errorf("RemoveContent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
