package guest

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/felixgeelhaar/plughost/internal/adapters/ipc"
)

// ServeStdio runs a plugin in a worker process. The bootstrap payload is
// read from bootstrapPath; envelopes are exchanged as JSON lines on in and
// out. It returns when in reaches EOF or ctx is done.
func ServeStdio(ctx context.Context, bootstrapPath string, loader Loader, in io.Reader, out io.Writer, opts ...Option) error {
	data, err := os.ReadFile(bootstrapPath)
	if err != nil {
		return fmt.Errorf("failed to read bootstrap: %w", err)
	}
	if _, err := ipc.DecodeBootstrap(data); err != nil {
		return err
	}

	port := ipc.NewStreamWorker(in, out, nil)
	rt := NewRuntime(port, data, loader, opts...)
	err = rt.Serve(ctx)
	_ = port.Terminate()
	return err
}
