package session

import "testing"

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		raw   string
		text  string
		isErr bool
	}{
		{"Running%20MyApp", "Running MyApp", false},
		{"Error:boom|3|MyApp.js", "Error:boom|3|MyApp.js", true},
		{"Script Error:bad%20token", "Script Error:bad token", true},
		{"  Error: indented", "  Error: indented", false},
	}
	for _, tt := range tests {
		l := DecodeLine(tt.raw)
		if l.Text != tt.text || l.Error != tt.isErr {
			t.Errorf("DecodeLine(%q) = %+v, want {%q %v}", tt.raw, l, tt.text, tt.isErr)
		}
	}
}

func TestParseDiagnostic(t *testing.T) {
	d, ok := ParseDiagnostic(DecodeLine("Error:x%20is%20undefined|12|/sdcard/DroidScript/MyApp/MyApp.js"))
	if !ok {
		t.Fatal("ParseDiagnostic() should find a location")
	}
	if d.Message != "x is undefined" || d.Line != 12 || d.File != "MyApp.js" {
		t.Errorf("ParseDiagnostic() = %+v", d)
	}

	d, ok = ParseDiagnostic(DecodeLine("Script Error:oops|x|lib/util.js"))
	if !ok || d.Line != 0 || d.File != "util.js" || d.Message != "oops" {
		t.Errorf("ParseDiagnostic() = %+v, %v", d, ok)
	}

	for _, raw := range []string{"Hello", "Error:no location", "Error:a|1|"} {
		if _, ok := ParseDiagnostic(DecodeLine(raw)); ok {
			t.Errorf("ParseDiagnostic(%q) should fail", raw)
		}
	}
}
