package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultDir       = "./data"
	DefaultQueueSize = 1024
	idleCloseAfter   = time.Second
)

type line struct {
	ts   int64
	data []byte
}

// Recorder serialises records on the caller and hands them to a single
// writer goroutine. A full queue drops its oldest pending line.
type Recorder struct {
	dir     string
	log     *zap.Logger
	queue   chan line
	onDrop  func()
	started atomic.Bool
	active  atomic.Bool
	dropped atomic.Uint64

	// owned by the writer goroutine
	file *os.File
	w    *bufio.Writer
	path string

	wg sync.WaitGroup
}

func New(dir string, queueSize int, log *zap.Logger) *Recorder {
	if dir == "" {
		dir = DefaultDir
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		dir:   dir,
		log:   log,
		queue: make(chan line, queueSize),
	}
}

// OnDrop registers a hook called for every dropped line.
func (r *Recorder) OnDrop(fn func()) {
	r.onDrop = fn
}

func (r *Recorder) Dir() string { return r.dir }

func (r *Recorder) Recording() bool { return r.active.Load() }

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) StartRecording() {
	if !r.active.Swap(true) {
		r.log.Info("recorder started", zap.String("dir", r.dir))
	}
}

func (r *Recorder) StopRecording() {
	if r.active.Swap(false) {
		r.log.Info("recorder stopped", zap.String("dir", r.dir))
	}
}

// Run starts the writer goroutine. It exits when ctx is done after draining
// whatever is already queued.
func (r *Recorder) Run(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.loop(ctx)
}

// Wait blocks until the writer goroutine has exited.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) WriteTick(t Tick) {
	r.enqueue(t.Ts, t)
}

func (r *Recorder) WriteTrade(t Trade) {
	r.enqueue(t.T, t)
}

func (r *Recorder) enqueue(ts int64, v any) {
	if !r.active.Load() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Debug("recorder marshal failed", zap.Error(err))
		return
	}
	l := line{ts: ts, data: data}
	select {
	case r.queue <- l:
		return
	default:
	}
	select {
	case <-r.queue:
		r.drop()
	default:
	}
	select {
	case r.queue <- l:
	default:
		r.drop()
	}
}

func (r *Recorder) drop() {
	if r.dropped.Add(1) == 1 {
		r.log.Warn("recorder queue full, dropping oldest lines")
	}
	if r.onDrop != nil {
		r.onDrop()
	}
}

func (r *Recorder) loop(ctx context.Context) {
	defer r.wg.Done()
	idle := time.NewTicker(idleCloseAfter)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case l := <-r.queue:
					r.write(l)
				default:
					r.closeFile()
					return
				}
			}
		case l := <-r.queue:
			r.write(l)
		case <-idle.C:
			if !r.active.Load() && len(r.queue) == 0 {
				r.closeFile()
			}
		}
	}
}

func (r *Recorder) write(l line) {
	path := PathForDay(r.dir, l.ts)
	if path != r.path {
		r.closeFile()
		if err := r.openFile(path); err != nil {
			r.log.Warn("recorder open failed", zap.String("path", path), zap.Error(err))
			return
		}
	}
	if _, err := r.w.Write(l.data); err != nil {
		r.log.Warn("recorder write failed", zap.Error(err))
		return
	}
	if err := r.w.WriteByte('\n'); err != nil {
		r.log.Warn("recorder write failed", zap.Error(err))
		return
	}
	if err := r.w.Flush(); err != nil {
		r.log.Warn("recorder flush failed", zap.Error(err))
	}
}

func (r *Recorder) openFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.w = bufio.NewWriterSize(f, 64*1024)
	r.path = path
	return nil
}

func (r *Recorder) closeFile() {
	if r.file == nil {
		return
	}
	if err := r.w.Flush(); err != nil {
		r.log.Warn("recorder flush failed", zap.Error(err))
	}
	if err := r.file.Close(); err != nil {
		r.log.Warn("recorder close failed", zap.Error(err))
	}
	r.file = nil
	r.w = nil
	r.path = ""
}

// PathForDay names the file holding records stamped tsMs.
func PathForDay(dir string, tsMs int64) string {
	day := time.UnixMilli(tsMs).UTC().Format("2006-01-02")
	return filepath.Join(dir, fmt.Sprintf("snapshots-%s.ndjson", day))
}
