package envelope

import "testing"

func TestResetYieldsFreshState(t *testing.T) {
	e := New(-1)
	e.SetSender("a@x")
	e.AddRecipient("b@y")
	e.AddRecipient("c@z")
	e.AddHeader("Subject", "hi")
	e.Reset()

	if e.Sender != "" || len(e.Recipients) != 0 || len(e.MessageBytes) != 0 {
		t.Fatalf("expected empty envelope after reset, got %+v", e)
	}
}

func TestAppendRespectsTruncationCap(t *testing.T) {
	e := New(8)
	n1 := e.AppendBody([]byte("AAAA"))
	n2 := e.AppendBody([]byte("BBBB"))
	n3 := e.AppendBody([]byte("CCCC"))

	if n1 != 4 || n2 != 4 || n3 != 0 {
		t.Fatalf("appended = %d,%d,%d, want 4,4,0", n1, n2, n3)
	}
	if string(e.MessageBytes) != "AAAABBBB" {
		t.Fatalf("message bytes = %q", e.MessageBytes)
	}
	if !e.AtCap() {
		t.Fatal("expected AtCap() true")
	}
}

func TestOnlyRecipient(t *testing.T) {
	tests := []struct {
		rcpts []string
		want  string
	}{
		{nil, ""},
		{[]string{"a@x"}, "a@x"},
		{[]string{"a@x", "b@y"}, ""},
	}
	for _, tt := range tests {
		e := New(-1)
		for _, r := range tt.rcpts {
			e.AddRecipient(r)
		}
		if got := e.OnlyRecipient(); got != tt.want {
			t.Fatalf("OnlyRecipient(%v) = %q, want %q", tt.rcpts, got, tt.want)
		}
	}
}

func TestIDDefaultsToDash(t *testing.T) {
	if got := ID(Macros{}); got != "-" {
		t.Fatalf("ID(empty) = %q, want -", got)
	}
	if got := ID(Macros{"i": "ABCDEF"}); got != "ABCDEF" {
		t.Fatalf("ID = %q, want ABCDEF", got)
	}
}

func TestMergeEnvelopeWinsOverConnect(t *testing.T) {
	connect := Macros{"j": "mx1", "i": "connect-id"}
	env := Macros{"i": "envelope-id"}
	merged := Merge(connect, env)
	if merged["i"] != "envelope-id" {
		t.Fatalf("merged[i] = %q, want envelope-id", merged["i"])
	}
	if merged["j"] != "mx1" {
		t.Fatalf("merged[j] = %q, want mx1 (connect fills gaps)", merged["j"])
	}
}
