package signing

import (
	"bytes"
	"testing"

	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

func TestCanonicalBytes_SortedAndUnescaped(t *testing.T) {
	t.Parallel()

	raw := "command: echo '<b>' && true\nname: org/x\ndescription: d\nextra: ignored\n"
	def, err := tool.ParseYAML([]byte(raw))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}

	got, err := CanonicalBytes(def, []string{"name", "command", "version"})
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want := `{"command":"echo '<b>' && true","name":"org/x"}`
	if string(got) != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestCanonicalBytes_IgnoresFormattingAndSignatures(t *testing.T) {
	t.Parallel()

	a, err := tool.ParseYAML([]byte("name: org/x\ncommand: ls\ndescription: d\n"))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	b, err := tool.ParseYAML([]byte("# comment\ndescription:   d\ncommand: \"ls\"\nname: org/x\nsignature: {signer: a, algorithm: ed25519, value: x}\n"))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}

	ca, _ := CanonicalBytes(a, tool.DefaultSignedFields)
	cb, _ := CanonicalBytes(b, tool.DefaultSignedFields)
	if !bytes.Equal(ca, cb) {
		t.Errorf("expected equal canonical bytes:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalBytes_DefinitionWithoutRaw(t *testing.T) {
	t.Parallel()

	def := &tool.Definition{Name: "org/x", Description: "d", Command: "ls"}
	got, err := CanonicalBytes(def, tool.DefaultSignedFields)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	if string(got) != `{"command":"ls","description":"d","name":"org/x"}` {
		t.Errorf("unexpected canonical bytes %s", got)
	}
}
