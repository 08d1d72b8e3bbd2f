package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/model-history/model-history/internal/config"
	"github.com/model-history/model-history/internal/history"
)

// importLine is one change event of an import file.
type importLine struct {
	Model       string         `json:"model"`
	ForeignKey  string         `json:"foreign_key"`
	Action      string         `json:"action"`
	Snapshot    map[string]any `json:"snapshot"`
	DirtyFields []string       `json:"dirty_fields"`
	Data        map[string]any `json:"data"`
	UserID      string         `json:"user_id"`
	Comment     string         `json:"comment"`
	SaveHash    string         `json:"save_hash"`
}

type changeRecorder interface {
	Record(ctx context.Context, ch history.Change) (*history.AuditRecord, error)
	AddComment(ctx context.Context, model, foreignKey, comment, userID string, opctx history.ContextProvider) (*history.AuditRecord, error)
}

type importStats struct {
	Recorded int
	Noop     int
	Failed   int
}

func runImport(cfg *config.Config, path string, args []string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	opctx, err := importContext(cfg.History.Namespace, args)
	if err != nil {
		return err
	}

	stats, err := importChanges(ctx, a.service, f, opctx)
	slog.Info("import finished", "file", path, "recorded", stats.Recorded, "noop", stats.Noop, "failed", stats.Failed)
	return err
}

// importContext returns the context shared by every imported record. With --slug <slug> the
// records carry a slug context, otherwise a shell context of the command line.
func importContext(namespace string, args []string) (*history.OperationContext, error) {
	for i, arg := range args {
		var slug string
		switch {
		case arg == "--slug":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--slug requires a value")
			}
			slug = args[i+1]
		case strings.HasPrefix(arg, "--slug="):
			slug = strings.TrimPrefix(arg, "--slug=")
		default:
			continue
		}
		return history.NewSlugContext(namespace, slug)
	}
	return history.NewShellContext(namespace, history.ShellCommand{
		Name:    "import",
		Command: args[0],
		Args:    args[1:],
	}, ""), nil
}

// importChanges records every change event of r, one JSON object per line. A line that cannot be
// recorded is logged and skipped; the returned error reports how many failed. A malformed line
// stops the import.
func importChanges(ctx context.Context, rec changeRecorder, r io.Reader, opctx history.ContextProvider) (importStats, error) {
	var stats importStats
	dec := json.NewDecoder(r)

	for line := 1; ; line++ {
		var in importLine
		if err := dec.Decode(&in); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return stats, fmt.Errorf("line %d: invalid JSON: %w", line, err)
		}

		out, err := recordLine(ctx, rec, in, opctx)
		switch {
		case err != nil:
			stats.Failed++
			slog.Warn("failed to import change", "line", line, "model", in.Model, "foreign_key", in.ForeignKey, "error", err)
		case out == nil:
			stats.Noop++
		default:
			stats.Recorded++
		}
	}

	if stats.Failed > 0 {
		return stats, fmt.Errorf("%d of %d changes failed to import", stats.Failed, stats.Failed+stats.Recorded+stats.Noop)
	}
	return stats, nil
}

func recordLine(ctx context.Context, rec changeRecorder, in importLine, opctx history.ContextProvider) (*history.AuditRecord, error) {
	action := history.Action(strings.ToLower(in.Action))
	if action == history.ActionComment {
		return rec.AddComment(ctx, in.Model, in.ForeignKey, in.Comment, in.UserID, opctx)
	}
	return rec.Record(ctx, history.Change{
		Model:       in.Model,
		ForeignKey:  in.ForeignKey,
		Action:      action,
		UserID:      in.UserID,
		Snapshot:    in.Snapshot,
		DirtyFields: in.DirtyFields,
		Data:        in.Data,
		Context:     opctx,
		SaveHash:    in.SaveHash,
	})
}
