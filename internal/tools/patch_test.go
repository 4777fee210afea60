package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func readFixture(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestApplyPatchAddUpdateDelete(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "keep.txt", "alpha\nbeta\n")
	writeFixture(t, dir, "old.txt", "legacy\n")

	patch := `*** Begin Patch
*** Add File: new.txt
+hello
+world
*** Update File: keep.txt
@@
 alpha
-beta
+beta2
*** Delete File: old.txt
*** End Patch`

	result, err := ApplyPatch(dir, patch)
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	for _, want := range []string{"Added new.txt", "Updated keep.txt", "Deleted old.txt"} {
		if !strings.Contains(result, want) {
			t.Errorf("result missing %q: %s", want, result)
		}
	}

	if got := readFixture(t, dir, "new.txt"); got != "hello\nworld" {
		t.Errorf("new.txt = %q", got)
	}
	if got := readFixture(t, dir, "keep.txt"); got != "alpha\nbeta2\n" {
		t.Errorf("keep.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !os.IsNotExist(err) {
		t.Error("old.txt still exists")
	}
}

func TestApplyPatchAmbiguousContextRejected(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "x\nsame\nx\nsame\n")

	patch := `*** Begin Patch
*** Update File: f.txt
@@
-same
+different
*** End Patch`

	if _, err := ApplyPatch(dir, patch); err == nil || !strings.Contains(err.Error(), "add more context") {
		t.Errorf("ambiguous hunk err = %v", err)
	}
	// nothing was modified
	if got := readFixture(t, dir, "f.txt"); got != "x\nsame\nx\nsame\n" {
		t.Errorf("file mutated on failed patch: %q", got)
	}
}

func TestApplyPatchContextNotFound(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "a\nb\n")

	patch := `*** Begin Patch
*** Update File: f.txt
@@
-no such line
+replacement
*** End Patch`

	if _, err := ApplyPatch(dir, patch); err == nil || !strings.Contains(err.Error(), "context not found") {
		t.Errorf("missing context err = %v", err)
	}
}

func TestApplyPatchPureContextHunkRejected(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "a\nb\n")

	patch := `*** Begin Patch
*** Update File: f.txt
@@
 a
 b
*** End Patch`

	if _, err := ApplyPatch(dir, patch); err == nil {
		t.Error("pure-context hunk accepted")
	}
}

func TestApplyPatchAddExistingFileRejected(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "a\n")

	patch := `*** Begin Patch
*** Add File: f.txt
+clobber
*** End Patch`

	if _, err := ApplyPatch(dir, patch); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("add existing err = %v", err)
	}
}

func TestApplyPatchMove(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "a.txt", "one\ntwo\n")

	patch := `*** Begin Patch
*** Update File: a.txt
*** Move to: b.txt
@@
 one
-two
+TWO
*** End Patch`

	if _, err := ApplyPatch(dir, patch); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.txt")); !os.IsNotExist(err) {
		t.Error("a.txt still exists after move")
	}
	if got := readFixture(t, dir, "b.txt"); got != "one\nTWO\n" {
		t.Errorf("b.txt = %q", got)
	}
}

func TestApplyPatchEndOfFileTerminator(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "head\ntail\n")

	patch := `*** Begin Patch
*** Update File: f.txt
@@
 head
-tail
+tail2
*** End of File
*** End Patch`

	if _, err := ApplyPatch(dir, patch); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if got := readFixture(t, dir, "f.txt"); got != "head\ntail2\n" {
		t.Errorf("f.txt = %q", got)
	}
}

func TestApplyPatchCRLFNormalized(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "a\nb\n")

	patch := "*** Begin Patch\r\n*** Update File: f.txt\r\n@@\r\n a\r\n-b\r\n+c\r\n*** End Patch\r\n"
	if _, err := ApplyPatch(dir, patch); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if got := readFixture(t, dir, "f.txt"); got != "a\nc\n" {
		t.Errorf("f.txt = %q", got)
	}
}

func TestApplyPatchAddThenDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()

	add := `*** Begin Patch
*** Add File: tmp.txt
+data
*** End Patch`
	if _, err := ApplyPatch(dir, add); err != nil {
		t.Fatalf("add: %v", err)
	}

	del := `*** Begin Patch
*** Delete File: tmp.txt
*** End Patch`
	if _, err := ApplyPatch(dir, del); err != nil {
		t.Fatalf("delete: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace not restored: %v", entries)
	}
}

func TestApplyPatchPathEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	patch := `*** Begin Patch
*** Add File: ../escape.txt
+nope
*** End Patch`

	if _, err := ApplyPatch(dir, patch); err == nil {
		t.Error("path escape accepted")
	}
}

func TestApplyPatchMissingEnvelope(t *testing.T) {
	if _, err := ApplyPatch(t.TempDir(), "*** Update File: x\n@@\n-a\n+b\n"); err == nil {
		t.Error("patch without envelope accepted")
	}
}
