package ui

import (
	"bytes"
	"testing"
)

func TestTable(t *testing.T) {
	DisableColor()

	var buf bytes.Buffer
	err := Table(&buf, []string{"NAME", "PATH"}, [][]string{
		{"MyApp", "/ws/MyApp"},
		{"A", "/ws/A"},
	})
	if err != nil {
		t.Fatalf("Table() failed: %v", err)
	}

	want := "NAME   PATH\n" +
		"MyApp  /ws/MyApp\n" +
		"A      /ws/A\n"
	if got := buf.String(); got != want {
		t.Errorf("Table() =\n%q\nwant\n%q", got, want)
	}
}

func TestRender_NoColor(t *testing.T) {
	DisableColor()

	for _, fn := range []func(string) string{RenderAccent, RenderPass, RenderWarn, RenderFail, RenderMuted} {
		if got := fn("x"); got != "x" {
			t.Errorf("render without color = %q, want %q", got, "x")
		}
	}
}
