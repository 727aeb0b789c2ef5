package patch

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readFixture(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestParse_AddFile(t *testing.T) {
	p, err := Parse(`*** Begin Patch
*** Add File: hello.txt
+hello
+world
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(p.Ops))
	}
	op := p.Ops[0]
	if op.Type != OpAdd || op.Path != "hello.txt" {
		t.Errorf("expected add hello.txt, got %s %s", op.Type, op.Path)
	}
	if !reflect.DeepEqual(op.Content, []string{"hello", "world"}) {
		t.Errorf("expected content lines, got %v", op.Content)
	}
}

func TestParse_UpdateWithAnchors(t *testing.T) {
	p, err := Parse(`*** Begin Patch
*** Update File: src/app.go
@@ func main() {
 	x := 1
-	y := 2
+	y := 3
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}
	op := p.Ops[0]
	if op.Type != OpUpdate {
		t.Fatalf("expected update, got %s", op.Type)
	}
	if len(op.Hunks) != 1 {
		t.Fatalf("expected 1 hunk, got %d", len(op.Hunks))
	}
	h := op.Hunks[0]
	if len(h.Anchors) != 1 || h.Anchors[0] != "func main() {" {
		t.Errorf("expected anchor, got %v", h.Anchors)
	}
	if len(h.Lines) != 3 {
		t.Errorf("expected 3 diff lines, got %d", len(h.Lines))
	}
}

func TestParse_StackedAnchorsAndMultipleHunks(t *testing.T) {
	p, err := Parse(`*** Begin Patch
*** Update File: a.py
@@ class Foo:
@@ def bar(self):
-        return 1
+        return 2
@@ def baz(self):
-        return 3
+        return 4
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}
	op := p.Ops[0]
	if len(op.Hunks) != 2 {
		t.Fatalf("expected 2 hunks, got %d", len(op.Hunks))
	}
	if !reflect.DeepEqual(op.Hunks[0].Anchors, []string{"class Foo:", "def bar(self):"}) {
		t.Errorf("expected stacked anchors, got %v", op.Hunks[0].Anchors)
	}
	if !reflect.DeepEqual(op.Hunks[1].Anchors, []string{"def baz(self):"}) {
		t.Errorf("expected second hunk anchor, got %v", op.Hunks[1].Anchors)
	}
}

func TestParse_MoveTo(t *testing.T) {
	p, err := Parse(`*** Begin Patch
*** Update File: old.txt
*** Move to: new.txt
-old line
+new line
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}
	op := p.Ops[0]
	if op.MoveTo != "new.txt" {
		t.Errorf("expected move target new.txt, got %q", op.MoveTo)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing begin", "*** Add File: x\n+hi\n*** End Patch"},
		{"missing end", "*** Begin Patch\n*** Add File: x\n+hi"},
		{"empty patch", "*** Begin Patch\n*** End Patch"},
		{"absolute path", "*** Begin Patch\n*** Add File: /etc/passwd\n+x\n*** End Patch"},
		{"garbage line", "*** Begin Patch\nwhat is this\n*** End Patch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.text); err == nil {
				t.Error("expected parse error, got nil")
			} else {
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Errorf("expected *ParseError, got %T", err)
				}
			}
		})
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	texts := []string{
		"*** Begin Patch\n*** Add File: a.txt\n+one\n+two\n*** End Patch\n",
		"*** Begin Patch\n*** Delete File: gone.txt\n*** End Patch\n",
		"*** Begin Patch\n*** Update File: m.go\n@@ func f() {\n \tkeep\n-\tdrop\n+\tadd\n*** End Patch\n",
		"*** Begin Patch\n*** Update File: old.go\n*** Move to: new.go\n-a\n+b\n*** End Patch\n",
	}
	for _, text := range texts {
		p1, err := Parse(text)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		p2, err := Parse(p1.Serialize())
		if err != nil {
			t.Fatalf("reparse serialized form: %v", err)
		}
		if !reflect.DeepEqual(p1, p2) {
			t.Errorf("round trip mismatch:\nfirst:  %+v\nsecond: %+v", p1, p2)
		}
	}
}

func TestApply_AddFile(t *testing.T) {
	dir := t.TempDir()
	p, err := Parse(`*** Begin Patch
*** Add File: sub/new.txt
+line one
+line two
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}

	outcomes, err := NewApplier(dir).Apply(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Type != "created" {
		t.Errorf("expected created outcome, got %+v", outcomes)
	}
	if got := readFixture(t, dir, "sub/new.txt"); got != "line one\nline two\n" {
		t.Errorf("unexpected file content: %q", got)
	}
}

func TestApply_DeleteFile(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "gone.txt", "bye\n")

	p, _ := Parse("*** Begin Patch\n*** Delete File: gone.txt\n*** End Patch")
	outcomes, err := NewApplier(dir).Apply(p)
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Type != "deleted" {
		t.Errorf("expected deleted outcome, got %+v", outcomes[0])
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.txt")); !os.IsNotExist(err) {
		t.Error("expected file to be removed")
	}
}

func TestApply_UpdateFile(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "main.go", "package main\n\nfunc main() {\n\tx := 1\n\ty := 2\n}\n")

	p, err := Parse(`*** Begin Patch
*** Update File: main.go
@@ func main() {
 	x := 1
-	y := 2
+	y := 3
*** End Patch`)
	if err != nil {
		t.Fatal(err)
	}

	outcomes, err := NewApplier(dir).Apply(p)
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Type != "updated" || outcomes[0].Additions != 1 || outcomes[0].Deletions != 1 {
		t.Errorf("unexpected outcome: %+v", outcomes[0])
	}
	want := "package main\n\nfunc main() {\n\tx := 1\n\ty := 3\n}\n"
	if got := readFixture(t, dir, "main.go"); got != want {
		t.Errorf("expected:\n%q\ngot:\n%q", want, got)
	}
}

func TestApply_Rename(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "old.txt", "a\n")

	p, _ := Parse(`*** Begin Patch
*** Update File: old.txt
*** Move to: new.txt
-a
+b
*** End Patch`)
	outcomes, err := NewApplier(dir).Apply(p)
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Type != "renamed" || outcomes[0].MoveTo != "new.txt" {
		t.Errorf("unexpected outcome: %+v", outcomes[0])
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !os.IsNotExist(err) {
		t.Error("expected old path removed")
	}
	if got := readFixture(t, dir, "new.txt"); got != "b\n" {
		t.Errorf("unexpected renamed content: %q", got)
	}
}

func TestApply_NoMatch(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "alpha\nbeta\n")

	p, _ := Parse(`*** Begin Patch
*** Update File: f.txt
-does not exist
+replacement
*** End Patch`)
	_, err := NewApplier(dir).Apply(p)
	var ae *ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *ApplyError, got %v", err)
	}
	if len(ae.Sought) == 0 || ae.Sought[0] != "does not exist" {
		t.Errorf("expected sought lines in error, got %v", ae.Sought)
	}
}

func TestApply_AmbiguousMatch(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "dup\nother\ndup\n")

	p, _ := Parse(`*** Begin Patch
*** Update File: f.txt
-dup
+changed
*** End Patch`)
	_, err := NewApplier(dir).Apply(p)
	var ae *ApplyError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *ApplyError, got %v", err)
	}
	if !strings.Contains(ae.Message, "ambiguous") {
		t.Errorf("expected ambiguity error, got %q", ae.Message)
	}
}

func TestApply_AnchorDisambiguates(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "section one\ndup\nsection two\ndup\n")

	p, _ := Parse(`*** Begin Patch
*** Update File: f.txt
@@ section two
-dup
+changed
*** End Patch`)
	if _, err := NewApplier(dir).Apply(p); err != nil {
		t.Fatal(err)
	}
	want := "section one\ndup\nsection two\nchanged\n"
	if got := readFixture(t, dir, "f.txt"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestApply_NoPartialWritesOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "ok.txt", "fine\n")

	// First op is valid, second fails validation; nothing may be written.
	p, _ := Parse(`*** Begin Patch
*** Update File: ok.txt
-fine
+changed
*** Update File: missing.txt
-nope
+never
*** End Patch`)
	if _, err := NewApplier(dir).Apply(p); err == nil {
		t.Fatal("expected apply error")
	}
	if got := readFixture(t, dir, "ok.txt"); got != "fine\n" {
		t.Errorf("expected first file untouched, got %q", got)
	}
}

func TestApply_MissingTargets(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		text string
	}{
		{"update missing", "*** Begin Patch\n*** Update File: nope.txt\n-a\n+b\n*** End Patch"},
		{"delete missing", "*** Begin Patch\n*** Delete File: nope.txt\n*** End Patch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := NewApplier(dir).Apply(p); err == nil {
				t.Error("expected apply error for missing target")
			}
		})
	}
}

func TestApply_InsertOnlyHunkAfterAnchor(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "header\nbody\n")

	p, _ := Parse(`*** Begin Patch
*** Update File: f.txt
@@ header
+inserted
*** End Patch`)
	if _, err := NewApplier(dir).Apply(p); err != nil {
		t.Fatal(err)
	}
	want := "header\ninserted\nbody\n"
	if got := readFixture(t, dir, "f.txt"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestApply_Reversibility(t *testing.T) {
	dir := t.TempDir()
	original := "one\ntwo\nthree\n"
	writeFixture(t, dir, "f.txt", original)

	forward, _ := Parse(`*** Begin Patch
*** Update File: f.txt
 one
-two
+TWO
 three
*** End Patch`)
	if _, err := NewApplier(dir).Apply(forward); err != nil {
		t.Fatal(err)
	}

	// Inverse patch swaps insertions and deletions.
	inverse, _ := Parse(`*** Begin Patch
*** Update File: f.txt
 one
-TWO
+two
 three
*** End Patch`)
	if _, err := NewApplier(dir).Apply(inverse); err != nil {
		t.Fatal(err)
	}
	if got := readFixture(t, dir, "f.txt"); got != original {
		t.Errorf("expected original content restored, got %q", got)
	}
}

func TestApply_SequentialHunks(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "a\nb\nc\nd\n")

	p, _ := Parse(`*** Begin Patch
*** Update File: f.txt
-a
+A
@@
-c
+C
*** End Patch`)
	if _, err := NewApplier(dir).Apply(p); err != nil {
		t.Fatal(err)
	}
	want := "A\nb\nC\nd\n"
	if got := readFixture(t, dir, "f.txt"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
