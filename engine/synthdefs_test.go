package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shaban/scdeck/internal/testutil"
)

// TestLoadSynthDefDirsSkipsInvalid verifies a garbage file and a missing
// directory are tolerated rather than failing the whole load.
func TestLoadSynthDefDirsSkipsInvalid(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.scsyndef"), []byte("not a synthdef"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	count, err := e.LoadSynthDefDirs([]string{dir, filepath.Join(dir, "does-not-exist")})
	if err != nil {
		t.Fatalf("load should tolerate bad input: %v", err)
	}
	if count != 0 {
		t.Fatalf("nothing valid to load, got %d", count)
	}
}

func TestCompileSynthDefsMissingScript(t *testing.T) {
	dir := t.TempDir()
	err := CompileSynthDefs("sclang", dir, filepath.Join(dir, "out"), testutil.Logger(t))
	if err == nil {
		t.Fatal("missing compile script should fail")
	}
}
