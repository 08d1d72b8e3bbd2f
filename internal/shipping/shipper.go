// Package shipping delivers written history records to destinations outside the history store,
// such as a rotated NDJSON file for archival or a webhook feeding a SIEM. Delivery is best effort:
// a failed delivery is logged and counted but never fails the write that produced the record.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/model-history/model-history/internal/history"
	"github.com/model-history/model-history/internal/safego"
	"github.com/model-history/model-history/internal/telemetry"
	"github.com/model-history/model-history/pkg/checksum"
)

// Shipper delivers records to one destination.
type Shipper interface {
	// Ship sends a record to the destination
	Ship(ctx context.Context, rec *history.AuditRecord) error
	// Close flushes pending records and releases resources
	Close() error
	// Name is the shipper type, used as the metrics label
	Name() string
}

// Config holds configuration for one shipper
type Config struct {
	Enabled bool
	// Type is the shipper type (webhook, file)
	Type    string
	Webhook *WebhookConfig
	File    *FileConfig
}

// WebhookConfig holds webhook shipper configuration
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// BatchSize is how many records to collect before posting them as one array (0 = no batching)
	BatchSize     int
	FlushInterval time.Duration
}

// FileConfig holds file shipper configuration
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// MultiShipper ships to every configured destination. It implements history.Shipper.
type MultiShipper struct {
	shippers []Shipper
	logger   *slog.Logger
	mu       sync.RWMutex
}

// New creates a MultiShipper from configs. Disabled entries are skipped.
func New(configs []Config, logger *slog.Logger) (*MultiShipper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ms := &MultiShipper{shippers: make([]Shipper, 0, len(configs)), logger: logger}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook, logger)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File, logger)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Len returns the number of active shippers
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends a record to all configured shippers. Every shipper is tried; the joined errors are returned.
func (ms *MultiShipper) Ship(ctx context.Context, rec *history.AuditRecord) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, rec); err != nil {
			telemetry.ShipperErrorsTotal.WithLabelValues(shipper.Name()).Inc()
			ms.logger.Warn("record shipping failed",
				"shipper", shipper.Name(), "record_id", rec.ID, "model", rec.Model, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", shipper.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookShipper posts records to an HTTP endpoint, one at a time or in batches
type WebhookShipper struct {
	cfg       *WebhookConfig
	client    *http.Client
	logger    *slog.Logger
	batchCh   chan *history.AuditRecord
	batch     []*history.AuditRecord
	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a new webhook shipper
func NewWebhookShipper(cfg *WebhookConfig, logger *slog.Logger) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := *cfg
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 5 * time.Second
	}

	ws := &WebhookShipper{
		cfg:     &c,
		client:  &http.Client{Timeout: c.Timeout},
		logger:  logger,
		batchCh: make(chan *history.AuditRecord, 1000),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if c.BatchSize > 0 {
		safego.Go("webhook-batch", ws.processBatches)
	} else {
		close(ws.done)
	}

	return ws, nil
}

// Name implements Shipper.
func (ws *WebhookShipper) Name() string { return "webhook" }

func (ws *WebhookShipper) processBatches() {
	defer close(ws.done)

	ticker := time.NewTicker(ws.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-ws.batchCh:
			ws.batch = append(ws.batch, rec)
			if len(ws.batch) >= ws.cfg.BatchSize {
				ws.flushBatch()
			}
		case <-ticker.C:
			ws.flushBatch()
		case <-ws.closeCh:
			for {
				select {
				case rec := <-ws.batchCh:
					ws.batch = append(ws.batch, rec)
				default:
					ws.flushBatch()
					return
				}
			}
		}
	}
}

// flushBatch posts the pending batch. Only the batch goroutine touches ws.batch.
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}
	defer func() { ws.batch = ws.batch[:0] }()

	data, err := json.Marshal(ws.batch)
	if err != nil {
		ws.failed(len(ws.batch), fmt.Errorf("failed to marshal record batch: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.Timeout)
	defer cancel()

	if err := ws.sendRequest(ctx, data); err != nil {
		ws.failed(len(ws.batch), err)
	}
}

func (ws *WebhookShipper) failed(n int, err error) {
	telemetry.ShipperErrorsTotal.WithLabelValues(ws.Name()).Add(float64(n))
	ws.logger.Warn("record batch shipping failed", "shipper", ws.Name(), "records", n, "error", err)
}

// Ship sends a record to the webhook. With batching enabled the record is queued and sent
// directly only when the queue is full.
func (ws *WebhookShipper) Ship(ctx context.Context, rec *history.AuditRecord) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case <-ws.closeCh:
			return fmt.Errorf("webhook shipper is closed")
		default:
		}
		select {
		case ws.batchCh <- rec:
			return nil
		default:
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return ws.sendRequest(ctx, data)
}

func (ws *WebhookShipper) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the batch processor after flushing what is queued
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	<-ws.done
	return nil
}

// FileShipper appends records as NDJSON to a file. When the file grows past MaxSizeMB it is
// rotated to <path>.1 and a <path>.1.sha256 sidecar is written so archived segments can be verified.
type FileShipper struct {
	cfg    *FileConfig
	file   *os.File
	logger *slog.Logger
	mu     sync.Mutex
}

// NewFileShipper creates a new file shipper
func NewFileShipper(cfg *FileConfig, logger *slog.Logger) (*FileShipper, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open history log file: %w", err)
	}
	return &FileShipper{cfg: cfg, file: file, logger: logger}, nil
}

// Name implements Shipper.
func (fs *FileShipper) Name() string { return "file" }

// Ship writes a record to the file
func (fs *FileShipper) Ship(ctx context.Context, rec *history.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				fs.logger.Warn("history log rotation failed", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i)
		newPath := fmt.Sprintf("%s.%d", fs.cfg.Path, i+1)
		_ = os.Rename(oldPath, newPath)
		_ = os.Rename(oldPath+".sha256", newPath+".sha256")
	}

	backup := fs.cfg.Path + ".1"
	_ = os.Rename(fs.cfg.Path, backup)
	if err := writeSidecar(backup); err != nil {
		fs.logger.Warn("history log checksum failed", "path", backup, "error", err)
	}

	if fs.cfg.MaxBackups > 0 {
		oldest := fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1)
		_ = os.Remove(oldest)
		_ = os.Remove(oldest + ".sha256")
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// writeSidecar stores the SHA256 of path next to it as path.sha256.
func writeSidecar(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sum, err := checksum.CalculateSHA256(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".sha256", []byte(sum+"\n"), 0600)
}

// Segment is a rotated history log and the outcome of checking it against its sidecar.
type Segment struct {
	Path string
	// Verified is false when the file no longer matches its recorded SHA256.
	Verified bool
	// MissingSidecar is set when no .sha256 file exists for the segment.
	MissingSidecar bool
}

// VerifySegments checks the rotated segments <path>.1, <path>.2, ... of a file shipper log
// against their .sha256 sidecars. It stops at the first missing segment.
func VerifySegments(path string) ([]Segment, error) {
	var segments []Segment
	for i := 1; ; i++ {
		seg, err := verifySegment(fmt.Sprintf("%s.%d", path, i))
		if errors.Is(err, os.ErrNotExist) {
			return segments, nil
		}
		if err != nil {
			return segments, err
		}
		segments = append(segments, seg)
	}
}

func verifySegment(path string) (Segment, error) {
	seg := Segment{Path: path}
	f, err := os.Open(path)
	if err != nil {
		return seg, err
	}
	defer f.Close()

	want, err := os.ReadFile(path + ".sha256")
	if errors.Is(err, os.ErrNotExist) {
		seg.MissingSidecar = true
		return seg, nil
	}
	if err != nil {
		return seg, fmt.Errorf("failed to read checksum of %s: %w", path, err)
	}
	seg.Verified, err = checksum.VerifySHA256(f, string(want))
	if err != nil {
		return seg, fmt.Errorf("failed to verify %s: %w", path, err)
	}
	return seg, nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
