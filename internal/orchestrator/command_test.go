package orchestrator

import "testing"

func TestMaterializeCommandRewritesHanSelfReference(t *testing.T) {
	got := materializeCommand("han orchestrate Stop --wait", "/usr/local/bin/han", nil)
	want := "/usr/local/bin/han orchestrate Stop --wait"
	if got != want {
		t.Errorf("materializeCommand = %q, want %q", got, want)
	}
}

func TestMaterializeCommandBareHanSelfReference(t *testing.T) {
	got := materializeCommand("han", "/usr/local/bin/han", nil)
	if got != "/usr/local/bin/han" {
		t.Errorf("materializeCommand = %q", got)
	}
}

func TestMaterializeCommandLeavesOtherCommandsAlone(t *testing.T) {
	got := materializeCommand("eslint .", "/usr/local/bin/han", nil)
	if got != "eslint ." {
		t.Errorf("materializeCommand = %q, want unchanged", got)
	}
}

func TestMaterializeCommandSubstitutesFilesToken(t *testing.T) {
	got := materializeCommand("eslint ${HAN_FILES}", "", []string{"src/a.ts", "src/b.ts"})
	want := "eslint 'src/a.ts' 'src/b.ts'"
	if got != want {
		t.Errorf("materializeCommand = %q, want %q", got, want)
	}
}

func TestMaterializeCommandFilesTokenDefaultsToDot(t *testing.T) {
	got := materializeCommand("eslint ${HAN_FILES}", "", nil)
	if got != "eslint ." {
		t.Errorf("materializeCommand = %q, want %q", got, "eslint .")
	}
}

func TestMaterializeCommandQuotesEmbeddedSingleQuote(t *testing.T) {
	got := materializeCommand("rm ${HAN_FILES}", "", []string{"it's-a-file.ts"})
	want := `rm 'it'\''s-a-file.ts'`
	if got != want {
		t.Errorf("materializeCommand = %q, want %q", got, want)
	}
}

func TestShellQuotePlain(t *testing.T) {
	if got := shellQuote("plain.go"); got != "'plain.go'" {
		t.Errorf("shellQuote = %q", got)
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	if got := shellQuote("o'brien"); got != `'o'\''brien'` {
		t.Errorf("shellQuote = %q", got)
	}
}
