package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
	"github.com/felixgeelhaar/plughost/internal/adapters/logging"
	"github.com/felixgeelhaar/plughost/internal/ports"
	"github.com/felixgeelhaar/plughost/pkg/guest"
	"github.com/felixgeelhaar/plughost/pkg/guest/wasm"
)

// Isolation modes accepted by SelectEnvironment.
const (
	IsolationAuto      = "auto"
	IsolationInProcess = "inprocess"
	IsolationProcess   = "process"
)

// Spec describes one isolated context to spawn.
type Spec struct {
	// ID identifies the instance, for example in temporary file names.
	ID string
	// Name is the plugin name.
	Name string
	// Bootstrap is the encoded ipc.Bootstrap payload.
	Bootstrap []byte
}

// Environment creates isolated execution contexts. The returned worker
// speaks the same protocol whichever environment produced it.
type Environment interface {
	Spawn(ctx context.Context, spec Spec) (ipc.Worker, error)
}

// InProcessEnvironment runs each plugin in its own guest runtime inside the
// host process. Envelopes cross the boundary JSON-encoded over an ipc.Pipe;
// nothing else is shared.
type InProcessEnvironment struct {
	loader guest.Loader
	opts   []guest.Option
}

// NewInProcessEnvironment creates an environment using loader. A nil loader
// accepts WebAssembly modules and native modules registered in natives.
func NewInProcessEnvironment(loader guest.Loader, natives *guest.NativeRegistry, opts ...guest.Option) *InProcessEnvironment {
	if loader == nil {
		if natives == nil {
			natives = guest.NewNativeRegistry()
		}
		loader = guest.Chain(wasm.NewLoader(), natives)
	}
	return &InProcessEnvironment{loader: loader, opts: opts}
}

// Spawn starts a guest runtime and returns the host end of its pipe.
func (e *InProcessEnvironment) Spawn(_ context.Context, spec Spec) (ipc.Worker, error) {
	// The isolate outlives the spawn call; it stops when the pipe closes.
	runCtx, cancel := context.WithCancel(context.Background())
	hostEnd, guestEnd := ipc.Pipe(func() error {
		cancel()
		return nil
	})

	rt := guest.NewRuntime(guestEnd, spec.Bootstrap, e.loader, e.opts...)
	go func() {
		_ = rt.Serve(runCtx)
	}()
	return hostEnd, nil
}

// ProcessEnvironment runs each plugin in a child process. The bootstrap is
// written to a temporary file passed with --bootstrap and envelopes travel
// as JSON lines over the child's stdin and stdout. The child's stderr is
// forwarded to the logger.
type ProcessEnvironment struct {
	command []string
	tempDir string
	logger  ports.Logger
}

// NewProcessEnvironment creates an environment that starts command, for
// example ["plughost", "worker"].
func NewProcessEnvironment(command []string, logger ports.Logger) *ProcessEnvironment {
	return &ProcessEnvironment{
		command: append([]string(nil), command...),
		tempDir: os.TempDir(),
		logger:  logging.OrNop(logger),
	}
}

// Spawn writes the bootstrap artifact and starts the child process.
func (e *ProcessEnvironment) Spawn(_ context.Context, spec Spec) (ipc.Worker, error) {
	if len(e.command) == 0 {
		return nil, errors.New("process environment: no worker command configured")
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	path := filepath.Join(e.tempDir, fmt.Sprintf("plughost-bootstrap-%s.json", id))
	if err := os.WriteFile(path, spec.Bootstrap, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write bootstrap: %w", err)
	}

	args := append(append([]string(nil), e.command[1:]...), "--bootstrap", path)
	cmd := exec.Command(e.command[0], args...) //nolint:gosec // command comes from host configuration

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	logger := e.logger.With(ports.F("plugin", spec.Name), ports.F("pid", cmd.Process.Pid))
	go forwardStderr(context.Background(), stderr, logger)

	stop := func() error {
		_ = stdin.Close()
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Debug(context.Background(), "worker kill failed", ports.Err(err))
		}
		// The exit status of a killed worker is expected to be non-zero.
		_ = cmd.Wait()
		_ = os.Remove(path)
		return nil
	}
	return ipc.NewStreamWorker(stdout, stdin, stop), nil
}

func forwardStderr(ctx context.Context, r io.Reader, logger ports.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logger.Info(ctx, sc.Text(), ports.F("stream", "stderr"))
	}
}

// SelectEnvironment picks an environment for mode. Auto uses a child
// process when a worker command is configured and the in-process isolate
// otherwise.
func SelectEnvironment(mode string, command []string, loader guest.Loader, natives *guest.NativeRegistry, logger ports.Logger) (Environment, error) {
	switch mode {
	case "", IsolationAuto:
		if len(command) > 0 {
			return NewProcessEnvironment(command, logger), nil
		}
		return NewInProcessEnvironment(loader, natives), nil
	case IsolationInProcess:
		return NewInProcessEnvironment(loader, natives), nil
	case IsolationProcess:
		if len(command) == 0 {
			return nil, errors.New("process isolation requires a worker command")
		}
		return NewProcessEnvironment(command, logger), nil
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", mode)
	}
}
