// Package audit records allocator events asynchronously. A Recorder is an
// api.Audit: set it as shm.Config.Audit and every allocate, allocate_more and
// deallocate becomes one logfmt line on each sink.
package audit

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"

	internalaudit "github.com/srediag/shmalloc/internal/audit"
)

// ErrClosed is returned by LogEvent after Close.
var ErrClosed = errors.New("audit recorder closed")

// Options tunes a Recorder.
type Options struct {
	// QueueHint sizes the event queue up front. It grows as needed.
	QueueHint int64
	// Batch is the most events written to the sinks in one pass.
	Batch int64
	// Workers bounds how many sinks are written concurrently.
	Workers int
	// OnError receives sink write failures. They are dropped when nil.
	OnError func(error)
}

// DefaultOptions returns the options NewRecorder uses for zero fields.
func DefaultOptions() Options {
	return Options{QueueHint: 1024, Batch: 64, Workers: 4}
}

type event struct {
	at      time.Time
	name    string
	details map[string]interface{}
}

// Recorder queues events and writes them to its sinks in order on a
// background goroutine.
type Recorder struct {
	opts  Options
	sinks []io.Writer
	queue *queue.Queue
	pool  *ants.Pool
	done  chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64

	closeOnce sync.Once
}

// NewRecorder starts a Recorder writing to sinks.
func NewRecorder(opts Options, sinks ...io.Writer) (*Recorder, error) {
	def := DefaultOptions()
	if opts.QueueHint <= 0 {
		opts.QueueHint = def.QueueHint
	}
	if opts.Batch <= 0 {
		opts.Batch = def.Batch
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("audit: no sinks")
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(p interface{}) {
		if opts.OnError != nil {
			opts.OnError(fmt.Errorf("audit sink panic: %v", p))
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("audit: create pool: %w", err)
	}
	r := &Recorder{
		opts:  opts,
		sinks: sinks,
		queue: queue.New(opts.QueueHint),
		pool:  pool,
		done:  make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// LogEvent queues an event. details is not copied and must not be modified
// afterwards.
func (r *Recorder) LogEvent(name string, details map[string]interface{}) error {
	err := r.queue.Put(event{at: time.Now(), name: name, details: details})
	if errors.Is(err, queue.ErrDisposed) {
		return ErrClosed
	}
	return err
}

// Written returns how many events reached every sink.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Failed returns how many sink writes failed.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// Close stops accepting events, writes the queued ones and releases the
// worker pool.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		rest := r.queue.Dispose()
		<-r.done
		r.write(rest)
		err = r.pool.ReleaseTimeout(5 * time.Second)
	})
	return err
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		items, err := r.queue.Get(r.opts.Batch)
		if err != nil {
			return
		}
		r.write(items)
	}
}

// write formats a batch once and hands it to every sink, returning when all
// sinks are done so batches reach each sink in queue order.
func (r *Recorder) write(items []interface{}) {
	if len(items) == 0 {
		return
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for _, item := range items {
		e := item.(event)
		internalaudit.FormatEvent(buf, e.at, e.name, e.details)
	}

	var wg sync.WaitGroup
	var ok atomic.Bool
	ok.Store(true)
	for _, sink := range r.sinks {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if _, err := sink.Write(buf.B); err != nil {
				ok.Store(false)
				r.fail(err)
			}
		}
		if err := r.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	if ok.Load() {
		r.written.Add(uint64(len(items)))
	}
}

func (r *Recorder) fail(err error) {
	r.failed.Add(1)
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}
