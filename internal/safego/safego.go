// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import "log/slog"

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged with the task name rather than crashing the process. Use it for all
// fire-and-forget goroutines such as record shipping and shipper batch flushing.
func Go(task string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "task", task, "panic", r)
			}
		}()
		fn()
	}()
}
