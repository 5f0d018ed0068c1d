package lifecycle

import (
	"context"

	"github.com/SiriusScan/codescan/sirius/queue"
)

// Launcher hands a freshly created scan to whatever will execute it.
// Launch must not block on the scan itself.
type Launcher interface {
	Launch(ctx context.Context, scanID string) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, scanID string) error

func (f LauncherFunc) Launch(ctx context.Context, scanID string) error {
	return f(ctx, scanID)
}

// Sender publishes scan requests. *queue.Client implements it.
type Sender interface {
	Send(ctx context.Context, req queue.Request) error
}

// QueueLauncher defers execution to a worker consuming the request queue.
func QueueLauncher(s Sender) Launcher {
	return LauncherFunc(func(ctx context.Context, scanID string) error {
		return s.Send(ctx, queue.Request{ScanID: scanID})
	})
}

// inProcess runs Execute on its own goroutine, detached from the caller's
// cancellation so a finished HTTP request does not stop the scan.
type inProcess struct {
	m *Manager
}

func (l inProcess) Launch(ctx context.Context, scanID string) error {
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := l.m.Execute(runCtx, scanID); err != nil {
			l.m.logger.Error("Scan execution failed", "scan_id", scanID, "error", err)
		}
	}()
	return nil
}

// Handler adapts Execute to a queue consumer.
func (m *Manager) Handler() queue.Handler {
	return func(ctx context.Context, req queue.Request) error {
		return m.Execute(ctx, req.ScanID)
	}
}
