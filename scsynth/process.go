package scsynth

import (
	"fmt"
	"os/exec"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ServerOptions configure a scsynth process launch.
type ServerOptions struct {
	Binary      string // path to the scsynth binary
	Port        int    // UDP port the server listens on
	SampleRate  int    // requested hardware sample rate, 0 for device default
	BufferSize  int    // requested hardware buffer size, 0 for device default
	MaxNodes    int    // server node table size, 0 for default
	InputChans  int
	OutputChans int
}

// ServerProcess is a launched scsynth instance.
type ServerProcess struct {
	cmd    *exec.Cmd
	exited atomic.Bool
	logger *zap.Logger
}

// SpawnServer launches scsynth with the given options. It returns as soon as
// the process has started; the server needs time to initialize before it
// accepts connections, which the caller accounts for with a connect delay.
func SpawnServer(opts ServerOptions, logger *zap.Logger) (*ServerProcess, error) {
	if opts.Binary == "" {
		opts.Binary = "scsynth"
	}
	if opts.Port == 0 {
		opts.Port = 57110
	}
	args := []string{"-u", strconv.Itoa(opts.Port)}
	if opts.SampleRate > 0 {
		args = append(args, "-S", strconv.Itoa(opts.SampleRate))
	}
	if opts.BufferSize > 0 {
		args = append(args, "-Z", strconv.Itoa(opts.BufferSize))
	}
	if opts.MaxNodes > 0 {
		args = append(args, "-n", strconv.Itoa(opts.MaxNodes))
	}
	if opts.InputChans > 0 {
		args = append(args, "-i", strconv.Itoa(opts.InputChans))
	}
	if opts.OutputChans > 0 {
		args = append(args, "-o", strconv.Itoa(opts.OutputChans))
	}

	cmd := exec.Command(opts.Binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", opts.Binary)
	}
	p := &ServerProcess{cmd: cmd, logger: logger}
	go func() {
		err := cmd.Wait()
		p.exited.Store(true)
		if err != nil {
			logger.Info("scsynth exited", zap.Error(err))
		} else {
			logger.Info("scsynth exited cleanly")
		}
	}()
	logger.Info("scsynth started",
		zap.Int("pid", cmd.Process.Pid), zap.Int("port", opts.Port))
	return p, nil
}

// Alive reports whether the process is still running.
func (p *ServerProcess) Alive() bool {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return false
	}
	if p.exited.Load() {
		return false
	}
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Stop terminates the process. The polite path is sending /quit over the
// connection first; Stop is the backstop for an unresponsive server.
func (p *ServerProcess) Stop() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil || p.exited.Load() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrap(err, "terminating scsynth")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.exited.Load() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.Wrap(p.cmd.Process.Kill(), "killing scsynth")
}

// RenderNRT runs scsynth in non-realtime mode against a score file,
// producing outPath. It blocks until the render finishes and is meant to be
// called from a background goroutine polled by the control loop.
func RenderNRT(binary, scorePath, outPath string, sampleRate, channels int, logger *zap.Logger) error {
	if binary == "" {
		binary = "scsynth"
	}
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if channels <= 0 {
		channels = 2
	}
	args := []string{
		"-N", scorePath, "_", outPath,
		strconv.Itoa(sampleRate), "WAV", "int24",
		"-o", strconv.Itoa(channels),
	}
	logger.Info("offline render started", zap.String("score", scorePath), zap.String("out", outPath))
	out, err := exec.Command(binary, args...).CombinedOutput()
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("non-realtime render: %s", out))
	}
	logger.Info("offline render finished", zap.String("out", outPath))
	return nil
}
