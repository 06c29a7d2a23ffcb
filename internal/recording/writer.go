package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/observability"
)

// ErrWriterClosed is returned when submitting to a closed writer.
var ErrWriterClosed = errors.New("writer closed")

// WriterOptions configures a Writer.
type WriterOptions struct {
	TaskTimeout time.Duration // bound on a single task, default 30s
	OnDepth     func(depth int)
	Logger      *zap.Logger
}

type task struct {
	kind string
	fn   func(ctx context.Context) error
}

// Writer runs file and archive tasks on one background goroutine in FIFO
// order. Submission never blocks; the queue depth is reported through OnDepth.
type Writer struct {
	opts   WriterOptions
	logger *zap.Logger

	mu      sync.Mutex
	queue   []task
	running bool
	notify  chan struct{}
	idle    chan struct{} // closed and replaced whenever the queue drains

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWriter creates and starts a Writer.
func NewWriter(opts WriterOptions) *Writer {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	w := &Writer{
		opts:   opts,
		logger: opts.Logger.Named("writer"),
		notify: make(chan struct{}, 1),
		idle:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	close(w.idle)
	w.wg.Add(1)
	go w.loop()
	return w
}

// Submit queues a task.
func (w *Writer) Submit(kind string, fn func(ctx context.Context) error) error {
	if w.closed.Load() {
		return ErrWriterClosed
	}
	w.mu.Lock()
	if len(w.queue) == 0 && !w.running {
		w.idle = make(chan struct{})
	}
	w.queue = append(w.queue, task{kind: kind, fn: fn})
	depth := len(w.queue)
	w.mu.Unlock()

	w.reportDepth(depth)
	select {
	case w.notify <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of queued tasks.
func (w *Writer) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Flush waits until every task queued so far has run.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush writer: %w", ctx.Err())
	}
}

// Close flushes the queue, bounded by ctx, and stops the writer.
func (w *Writer) Close(ctx context.Context) error {
	if w.closed.Swap(true) {
		return nil
	}
	err := w.Flush(ctx)
	close(w.done)
	w.wg.Wait()
	return err
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.running = false
			w.mu.Unlock()
			select {
			case <-w.notify:
				continue
			case <-w.done:
				return
			}
		}
		t := w.queue[0]
		w.queue[0] = task{}
		w.queue = w.queue[1:]
		w.running = true
		depth := len(w.queue)
		w.mu.Unlock()

		w.reportDepth(depth)
		w.run(t)

		w.mu.Lock()
		if len(w.queue) == 0 {
			w.running = false
			close(w.idle)
		}
		w.mu.Unlock()
	}
}

func (w *Writer) run(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.TaskTimeout)
	defer cancel()

	start := time.Now()
	err := t.fn(ctx)
	observability.RecordFileWrite(t.kind, err)
	if err != nil {
		w.logger.Error("write task failed", zap.String("kind", t.kind), zap.Error(err))
		return
	}
	w.logger.Debug("write task done", zap.String("kind", t.kind), zap.Duration("took", time.Since(start)))
}

func (w *Writer) reportDepth(depth int) {
	if w.opts.OnDepth != nil {
		w.opts.OnDepth(depth)
	}
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
