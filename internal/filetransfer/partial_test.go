package filetransfer

import "testing"

func TestNormalizeFilenameCollapsesCombiningForm(t *testing.T) {
	precomposed := "café.txt"  // "é" as a single codepoint (NFC)
	decomposed := "café.txt" // "e" followed by a combining acute accent (NFD)
	if precomposed == decomposed {
		t.Fatal("test fixture error: forms should differ byte-for-byte before normalization")
	}
	if NormalizeFilename(precomposed) != NormalizeFilename(decomposed) {
		t.Fatalf("expected NFC normalization to unify combining and precomposed forms: %q vs %q",
			NormalizeFilename(precomposed), NormalizeFilename(decomposed))
	}
}

func TestNormalizeFilenameLeavesPlainASCIIUnchanged(t *testing.T) {
	if got := NormalizeFilename("report.pdf"); got != "report.pdf" {
		t.Fatalf("got %q, want unchanged", got)
	}
}
