package pronounce

import (
	"os"
	"path/filepath"
	"testing"
)

func rule(name string, order int, pattern, replacement string) Rule {
	return Rule{Name: name, Order: order, Pattern: pattern, Replacement: replacement, Enabled: true}
}

func TestProcessTTS_AppliesInOrder(t *testing.T) {
	e := NewEngine([]Rule{
		// Declared out of order on purpose.
		rule("second", 20, `three em`, "THREE EM"),
		rule("first", 10, `\b3M\b`, "three em"),
	}, nil, nil)

	got := e.ProcessTTS("Working at 3M today.")
	if want := "Working at THREE EM today."; got != want {
		t.Errorf("ProcessTTS = %q, want %q", got, want)
	}
}

func TestProcessTTS_StableTiebreak(t *testing.T) {
	// Equal order: insertion order decides, so "a" rewrites before "b"
	// sees the text.
	e := NewEngine([]Rule{
		rule("a", 10, `x`, "y"),
		rule("b", 10, `y`, "z"),
	}, nil, nil)
	if got := e.ProcessTTS("x"); got != "z" {
		t.Errorf("ProcessTTS = %q, want %q", got, "z")
	}
}

func TestProcessTTS_Idempotent(t *testing.T) {
	e := NewEngine([]Rule{
		rule("api", 10, `\bAPI\b`, "A P I"),
	}, nil, nil)
	once := e.ProcessTTS("call the API now")
	twice := e.ProcessTTS(once)
	if once != twice {
		t.Errorf("not idempotent: %q then %q", once, twice)
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	r := rule("off", 10, `a`, "b")
	r.Enabled = false
	e := NewEngine([]Rule{r}, nil, nil)
	if got := e.ProcessTTS("aaa"); got != "aaa" {
		t.Errorf("disabled rule applied: %q", got)
	}
}

func TestInvalidPatternDisablesRule(t *testing.T) {
	e := NewEngine([]Rule{
		rule("broken", 10, `[unclosed`, "x"),
		rule("fine", 20, `b`, "c"),
	}, nil, nil)
	// The broken rule must not fail the engine or block later rules.
	if got := e.ProcessTTS("ab"); got != "ac" {
		t.Errorf("ProcessTTS = %q, want %q", got, "ac")
	}
}

func TestProcessSTT_FillersAndSpacing(t *testing.T) {
	_, stt := DefaultRules()
	e := NewEngine(nil, stt, nil)
	got := e.ProcessSTT("Um, I think, uh, we should ship it.")
	if want := "I think, we should ship it."; got != want {
		t.Errorf("ProcessSTT = %q, want %q", got, want)
	}
}

func TestPhoneticCorrection(t *testing.T) {
	e := NewEngine(nil, nil, []string{"Kokoro"})
	got := e.ProcessSTT("start cocorro now")
	if want := "start Kokoro now"; got != want {
		t.Errorf("ProcessSTT = %q, want %q", got, want)
	}
	// Exact (case-insensitive) spellings are left alone.
	if got := e.ProcessSTT("start kokoro now"); got != "start kokoro now" {
		t.Errorf("exact spelling rewritten: %q", got)
	}
}

func TestRules_PrivateFiltered(t *testing.T) {
	private := rule("secret", 10, `a`, "b")
	private.Private = true
	e := NewEngine([]Rule{private, rule("open", 20, `c`, "d")}, nil, nil)

	public := e.Rules(DirectionTTS, false)
	if len(public) != 1 || public[0].Name != "open" {
		t.Errorf("public rules = %+v", public)
	}
	all := e.Rules(DirectionTTS, true)
	if len(all) != 2 {
		t.Errorf("all rules = %d, want 2", len(all))
	}
}

func writeLayer(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayers_OverrideByName(t *testing.T) {
	dir := t.TempDir()
	base := writeLayer(t, dir, "base.yaml", `
version: 1
tts_rules:
  - {name: threem, order: 10, pattern: '\b3M\b', replacement: "three em", enabled: true}
  - {name: api, order: 20, pattern: '\bAPI\b', replacement: "A P I", enabled: true}
`)
	override := writeLayer(t, dir, "user.yaml", `
version: 1
tts_rules:
  - {name: threem, order: 10, pattern: '\b3M\b', replacement: "em em em", enabled: true}
phonetic_nouns: [Kokoro]
`)

	e, err := LoadLayers([]string{base, override})
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}
	if got := e.ProcessTTS("3M"); got != "em em em" {
		t.Errorf("override not applied: %q", got)
	}
	if got := e.ProcessTTS("API"); got != "A P I" {
		t.Errorf("base rule lost: %q", got)
	}
	if got := e.ProcessSTT("cocorro"); got != "Kokoro" {
		t.Errorf("phonetic noun from layer not applied: %q", got)
	}
}

func TestLoadLayers_MissingFileSkipped(t *testing.T) {
	dir := t.TempDir()
	present := writeLayer(t, dir, "p.yaml", `
version: 1
tts_rules:
  - {name: a, order: 1, pattern: x, replacement: y, enabled: true}
`)
	e, err := LoadLayers([]string{filepath.Join(dir, "absent.yaml"), present})
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}
	if got := e.ProcessTTS("x"); got != "y" {
		t.Errorf("rule not loaded: %q", got)
	}
}

func TestLoadLayers_BadYAMLFails(t *testing.T) {
	dir := t.TempDir()
	bad := writeLayer(t, dir, "bad.yaml", "version: 1\ntts_rules: {not: a list}\n")
	if _, err := LoadLayers([]string{bad}); err == nil {
		t.Error("malformed layer accepted")
	}
}

func TestReplacementTemplates(t *testing.T) {
	e := NewEngine([]Rule{
		rule("swap", 10, `(\w+)@(\w+)`, "$1 at $2"),
	}, nil, nil)
	if got := e.ProcessTTS("mail me x@y"); got != "mail me x at y" {
		t.Errorf("template expansion = %q", got)
	}
}

func TestLoadLayers_DefaultsAreBaseLayer(t *testing.T) {
	e, err := LoadLayers(nil)
	if err != nil {
		t.Fatalf("LoadLayers: %v", err)
	}
	if got := e.ProcessTTS("Check the API"); got != "Check the A P I" {
		t.Errorf("default rule missing: %q", got)
	}
}
