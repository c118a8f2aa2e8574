package host

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
)

// ErrWriterClosed is returned by Enqueue after Close.
var ErrWriterClosed = errors.New("output writer is closed")

// Writer serializes every outbound envelope onto one output stream
// from a single goroutine. Responses and session events share the
// stream; the queue preserves enqueue order and never drops. When the
// queue is full, enqueuers block rather than reorder.
type Writer struct {
	out    *bufio.Writer
	ch     chan []byte
	quit   chan struct{}
	done   chan struct{}
	mirror func(line []byte)

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewWriter creates a writer draining into out with the given queue
// depth and starts its drain goroutine.
func NewWriter(out io.Writer, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 1024
	}
	w := &Writer{
		out:  bufio.NewWriter(out),
		ch:   make(chan []byte, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// SetMirror registers a hook that observes every line written, for the
// inspection listener. Must be set before any Enqueue.
func (w *Writer) SetMirror(fn func(line []byte)) {
	w.mirror = fn
}

// Enqueue marshals v and queues it for writing. The envelope is
// guaranteed to appear on the stream in enqueue order. Enqueuers
// blocked on a full queue are released with ErrWriterClosed once Close
// begins.
func (w *Writer) Enqueue(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.pending.Add(1)
	w.mu.Unlock()
	defer w.pending.Done()

	// Sending happens outside the lock so Close is never stuck behind
	// a full queue.
	select {
	case w.ch <- line:
		return nil
	case <-w.quit:
		return ErrWriterClosed
	}
}

// Close stops accepting envelopes, releases any enqueuer blocked on a
// full queue, and blocks until everything already queued has been
// written and flushed.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.quit)
	// The queue closes only after every in-flight send has settled.
	go func() {
		w.pending.Wait()
		close(w.ch)
	}()
	w.mu.Unlock()

	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	for line := range w.ch {
		if _, err := w.out.Write(line); err != nil {
			log.Printf("write output: %v", err)
			continue
		}
		if err := w.out.WriteByte('\n'); err != nil {
			log.Printf("write output: %v", err)
			continue
		}
		// Flush once the queue goes quiet instead of per line.
		if len(w.ch) == 0 {
			if err := w.out.Flush(); err != nil {
				log.Printf("flush output: %v", err)
			}
		}
		if w.mirror != nil {
			w.mirror(line)
		}
	}
	if err := w.out.Flush(); err != nil {
		log.Printf("flush output: %v", err)
	}
}
