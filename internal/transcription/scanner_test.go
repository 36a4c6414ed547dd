package transcription

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func scanAll(t *testing.T, input string) ([]string, error) {
	t.Helper()
	s := newFragmentScanner(strings.NewReader(input))
	var out []string
	for {
		raw, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, string(raw))
	}
}

func TestFragmentScanner(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "streamed array",
			input: "[{\"a\":1}\n,\r\n{\"b\":2}\n]",
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:  "consecutive objects",
			input: `{"a":1}{"b":2}` + "\n" + `{"c":3}`,
			want:  []string{`{"a":1}`, `{"b":2}`, `{"c":3}`},
		},
		{
			name:  "consecutive arrays",
			input: "[{\"a\":1}]\n[{\"b\":2}]",
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:  "nested array element",
			input: `[[{"a":1},{"x":0}],{"b":2}]`,
			want:  []string{`[{"a":1},{"x":0}]`, `{"b":2}`},
		},
		{
			name:  "braces inside strings",
			input: `{"t":"a } ] { [ \" \\"}`,
			want:  []string{`{"t":"a } ] { [ \" \\"}`},
		},
		{
			name:  "sse framing",
			input: "data: {\"a\":1}\n\ndata: {\"b\":2}\n\n",
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:  "garbage between values",
			input: `{"a":1} oops, null 42 {"b":2}`,
			want:  []string{`{"a":1}`, `{"b":2}`},
		},
		{
			name:  "unbalanced element cut at next delimiter",
			input: "[{\"a\":1}\n,\r\n{\"b\":[{\"c\":2\n,\r\n{\"d\":3}\n]",
			want:  []string{`{"a":1}`, "{\"b\":[{\"c\":2\n", `{"d":3}`},
		},
		{
			name:  "unterminated string cut at next delimiter",
			input: "[{\"t\":\"cu\n,\r\n{\"t\":\"ok\"}]",
			want:  []string{"{\"t\":\"cu\n", `{"t":"ok"}`},
		},
		{
			name:  "unbalanced sse event",
			input: "data: {\"a\":\n\ndata: {\"b\":2}\n\n",
			want:  []string{"{\"a\":\n\n", `{"b":2}`},
		},
		{
			name:  "pretty printed value",
			input: "[{\n  \"a\": [\n    1,\n    2\n  ]\n}\n,\r\n{\"b\":2}\n]",
			want:  []string{"{\n  \"a\": [\n    1,\n    2\n  ]\n}", `{"b":2}`},
		},
		{
			name:  "empty body",
			input: "",
			want:  nil,
		},
		{
			name:  "empty array",
			input: "[]",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scanAll(t, tt.input)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d values %q, got %d %q", len(tt.want), tt.want, len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Value %d: expected %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestFragmentScanner_Truncated(t *testing.T) {
	got, err := scanAll(t, `[{"a":1},{"b":`)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Expected ErrUnexpectedEOF, got %v", err)
	}
	if len(got) != 1 || got[0] != `{"a":1}` {
		t.Errorf("Expected the complete value before truncation, got %q", got)
	}
}

func TestFragmentScanner_TooLarge(t *testing.T) {
	input := `{"t":"` + strings.Repeat("x", maxFragmentBytes) + `"}`
	_, err := scanAll(t, input)
	if !errors.Is(err, ErrFragmentTooLarge) {
		t.Errorf("Expected ErrFragmentTooLarge, got %v", err)
	}
}
