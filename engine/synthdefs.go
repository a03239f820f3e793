package engine

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/scgolang/sc"
	"go.uber.org/zap"

	"github.com/shaban/scdeck/scsynth"
)

// LoadSynthDefDirs scans the given directories for compiled synthdef files,
// validates each one and delivers it to the server. Invalid files are logged
// and skipped; the count of loaded defs is returned. Called after every
// successful connect and after every compile.
func (e *Engine) LoadSynthDefDirs(dirs []string) (int, error) {
	loaded := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			e.logger.Warn("synthdef dir unreadable", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".scsyndef") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			blob, err := os.ReadFile(path)
			if err != nil {
				e.logger.Warn("synthdef unreadable", zap.String("path", path), zap.Error(err))
				continue
			}
			def, err := sc.ReadSynthdef(bytes.NewReader(blob))
			if err != nil {
				e.logger.Warn("synthdef invalid", zap.String("path", path), zap.Error(err))
				continue
			}
			if err := e.SendNow(scsynth.DefRecv(blob)); err != nil {
				return loaded, errors.Wrapf(err, "delivering synthdef %s", def.Name)
			}
			loaded++
		}
	}
	e.logger.Info("synthdefs loaded", zap.Int("count", loaded))
	return loaded, nil
}

// CompileSynthDefs runs the SuperCollider language interpreter over a source
// directory, writing compiled defs into outDir. It blocks and is meant to be
// called from a background goroutine polled by the control loop.
func CompileSynthDefs(sclangBinary, srcDir, outDir string, logger *zap.Logger) error {
	if sclangBinary == "" {
		sclangBinary = "sclang"
	}
	script := filepath.Join(srcDir, "compile.scd")
	if _, err := os.Stat(script); err != nil {
		return errors.Wrapf(err, "compile script missing in %s", srcDir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "creating synthdef output dir")
	}
	cmd := exec.Command(sclangBinary, script, outDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "sclang compile: %s", out)
	}
	logger.Info("synthdefs compiled", zap.String("src", srcDir), zap.String("out", outDir))
	return nil
}
