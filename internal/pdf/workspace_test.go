package pdf

import "testing"

func TestOutputFilename(t *testing.T) {
	tests := []struct {
		requested, fallback, ext, want string
	}{
		{"", "compressed_report", ".pdf", "compressed_report.pdf"},
		{"small", "x", ".pdf", "small.pdf"},
		{"small.PDF", "x", ".pdf", "small.PDF"},
		{"../../etc/passwd", "x", ".pdf", "passwd.pdf"},
		{`C:\Users\me\out.zip`, "x", ".zip", "out.zip"},
		{"parts.pdf", "x", ".zip", "parts.pdf.zip"},
		{".pdf", "fallback", ".pdf", "fallback.pdf"},
		{"", "", ".pdf", "output.pdf"},
	}
	for _, tt := range tests {
		if got := outputFilename(tt.requested, tt.fallback, tt.ext); got != tt.want {
			t.Errorf("outputFilename(%q, %q, %q) = %q, want %q", tt.requested, tt.fallback, tt.ext, got, tt.want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename(".."); got != "" {
		t.Fatalf("sanitizeFilename(..) = %q", got)
	}
	if got := sanitizeFilename(" dir/name.pdf "); got != "name.pdf" {
		t.Fatalf("sanitizeFilename = %q", got)
	}
}
