package task

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent reports that a workspace document Supervisor cares about was
// modified on disk, outside of Supervisor's own writes.
type ChangeEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the task document and directives file for external edits
// (an operator or the agent itself editing .task.json between turns) so
// Supervisor can react without polling on every turn.
type Watcher struct {
	workspaceRoot string
	logger        *slog.Logger
	events        chan ChangeEvent
}

// NewWatcher constructs a Watcher bound to one sandbox workspace.
func NewWatcher(workspaceRoot string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		workspaceRoot: workspaceRoot,
		logger:        logger,
		events:        make(chan ChangeEvent, 16),
	}
}

// Events returns the channel of observed changes.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start begins watching in the background. The returned error is only a
// setup failure; watch-loop errors are logged, not returned.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, path := range []string{Path(w.workspaceRoot), DirectivesPath(w.workspaceRoot)} {
		_ = fsw.Add(path)
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ChangeEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Debug("workspace document changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("task watcher error", "error", err)
			}
		}
	}()
	return nil
}
