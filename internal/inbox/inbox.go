// Package inbox watches a drop directory for command envelope files.
// Dropping a .json file containing a command envelope executes it; the
// file is renamed to .done or .failed afterwards, so a directory listing
// doubles as a processing log.
package inbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/eihwaz/internal/command"
	"github.com/starford/eihwaz/internal/models"
)

// Watch starts an fsnotify watcher on the inbox directory and processes
// envelope files until ctx is cancelled. Files already present at startup
// are processed first, so envelopes dropped while the engine was down are
// not lost.
//
// A short debounce follows every write event: editors and scp produce
// multiple writes per file, and the envelope must be complete before it
// is decoded.
func Watch(ctx context.Context, proc *command.Processor, dir string, logger *slog.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}

	logger.Info("inbox: started", slog.String("dir", dir))
	sweep(ctx, proc, dir, logger)

	// Pending files wait out the debounce before processing.
	pending := make(map[string]struct{})
	var debounce *time.Timer
	var debounceCh <-chan time.Time

	schedule := func(path string) {
		pending[path] = struct{}{}
		if debounce == nil {
			debounce = time.NewTimer(200 * time.Millisecond)
			debounceCh = debounce.C
		} else {
			debounce.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			logger.Info("inbox: stopped")
			return nil

		case <-debounceCh:
			for path := range pending {
				delete(pending, path)
				process(ctx, proc, path, logger)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			schedule(ev.Name)

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("inbox: watch error", slog.String("error", watchErr.Error()))
		}
	}
}

// sweep processes envelope files already sitting in the inbox.
func sweep(ctx context.Context, proc *command.Processor, dir string, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("inbox: sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		process(ctx, proc, filepath.Join(dir, e.Name()), logger)
	}
}

func process(ctx context.Context, proc *command.Processor, path string, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("inbox: read failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	var env models.CommandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("inbox: invalid envelope", slog.String("path", path), slog.String("error", err.Error()))
		markFile(path, ".failed", logger)
		return
	}
	if env.CommandID == "" {
		// Bare payloads are allowed; stamp the missing envelope fields.
		stamped, stampErr := command.CreateEnvelope(env.Kind, nil, env.Meta)
		if stampErr == nil {
			stamped.Payload = env.Payload
			stamped.GroupID = env.GroupID
			env = stamped
		}
	}

	res := proc.ProcessCommand(ctx, env)
	if !res.Success {
		logger.Warn("inbox: command failed",
			slog.String("path", path),
			slog.String("kind", env.Kind),
			slog.String("code", res.Code),
			slog.String("error", res.Error))
		markFile(path, ".failed", logger)
		return
	}
	logger.Info("inbox: command applied",
		slog.String("path", path),
		slog.String("kind", env.Kind),
		slog.Uint64("seq", res.Seq),
		slog.String("node_id", res.NodeID))
	markFile(path, ".done", logger)
}

func markFile(path, suffix string, logger *slog.Logger) {
	if err := os.Rename(path, path+suffix); err != nil {
		logger.Warn("inbox: rename failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}
