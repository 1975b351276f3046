package preprocess

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"cupcake/internal/harness"
)

func TestNormalizeWhitespaceCollapsesRuns(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"ls  -la", "ls -la"},
		{"git   commit   -m   'test'", "git commit -m 'test'"},
		{"  npm install  ", "npm install"},
		{"docker\trun\tnginx", "docker run nginx"},
		{"echo\n\nhello", "echo hello"},
	}
	for _, tc := range cases {
		ev := &harness.CanonicalEvent{}
		ev.ToolInput, _ = json.Marshal(map[string]string{"command": tc.in})

		normalizeCommand(ev)

		var out map[string]string
		_ = json.Unmarshal(ev.ToolInput, &out)
		if out["command"] != tc.want {
			t.Errorf("normalizeCommand(%q) = %q, want %q", tc.in, out["command"], tc.want)
		}
	}
}

func TestNormalizeWhitespacePreservesQuotes(t *testing.T) {
	ev := &harness.CanonicalEvent{}
	ev.ToolInput, _ = json.Marshal(map[string]string{
		"command": "echo  'spaces  inside  quotes'  should  preserve",
	})

	normalizeCommand(ev)

	var out map[string]string
	_ = json.Unmarshal(ev.ToolInput, &out)
	want := "echo 'spaces  inside  quotes' should preserve"
	if out["command"] != want {
		t.Fatalf("got %q, want %q", out["command"], want)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	ev := &harness.CanonicalEvent{}
	ev.ToolInput, _ = json.Marshal(map[string]string{"command": "rm  -rf  test"})

	normalizeCommand(ev)
	first := string(ev.ToolInput)
	normalizeCommand(ev)
	if string(ev.ToolInput) != first {
		t.Fatalf("normalizeCommand not idempotent: %q then %q", first, ev.ToolInput)
	}
}

func TestResolveSymlinkAppliesRegardlessOfEventShape(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skip("symlinks unsupported in this environment")
	}

	ev := &harness.CanonicalEvent{EventName: "afterFileEdit", Raw: map[string]any{"file_path": link}}
	resolveSymlink(ev)

	if !ev.IsSymlink {
		t.Fatalf("expected IsSymlink=true")
	}
	if ev.OriginalFilePath != link {
		t.Fatalf("got original %q, want %q", ev.OriginalFilePath, link)
	}
	if ev.ResolvedFilePath != target {
		t.Fatalf("got resolved %q, want %q", ev.ResolvedFilePath, target)
	}
}

func TestClaudeCodeToolInputUnaffectedByMissingCommand(t *testing.T) {
	ev := &harness.CanonicalEvent{}
	ev.ToolInput, _ = json.Marshal(map[string]any{"file_path": "/a/b.txt"})

	normalizeCommand(ev)

	var out map[string]any
	_ = json.Unmarshal(ev.ToolInput, &out)
	if out["file_path"] != "/a/b.txt" {
		t.Fatalf("non-command tool_input was mutated: %v", out)
	}
}

func TestResolveDanglingSymlinkExposesTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "gone.txt")
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skip("symlinks unsupported in this environment")
	}

	ev := &harness.CanonicalEvent{Raw: map[string]any{"file_path": link}}
	resolveSymlink(ev)

	if !ev.IsSymlink {
		t.Fatal("a dangling symlink is still a symlink")
	}
	if ev.ResolvedFilePath != target {
		t.Fatalf("got resolved %q, want the link target %q", ev.ResolvedFilePath, target)
	}
}

func TestInlineScriptContentSkipsOversizedScripts(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "big.sh")
	body := make([]byte, maxInlinedScriptBytes+1)
	if err := os.WriteFile(script, body, 0o755); err != nil {
		t.Fatal(err)
	}

	ev := &harness.CanonicalEvent{Cwd: dir}
	ev.ToolInput, _ = json.Marshal(map[string]string{"command": "./big.sh --force"})
	inlineScriptContent(ev)

	if ev.Raw != nil {
		if _, ok := ev.Raw["executed_script_content"]; ok {
			t.Fatal("oversized script must not be inlined")
		}
	}
}
