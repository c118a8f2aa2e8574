// Package host runs the line-delimited command loop: read a line,
// parse it, execute it, write exactly one response, while session
// events flow out through the same writer as they happen.
package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/graphone/agent-host/internal/protocol"
)

// maxLineBytes bounds one input line. Prompts can embed base64 images,
// so the ceiling is generous.
const maxLineBytes = 16 * 1024 * 1024

// inbound is one unit of work for the command loop: either a parsed
// command, a line that failed to parse, or end of input.
type inbound struct {
	cmd      *protocol.Command
	parseErr error
	eof      bool
}

// Host ties the input reader, the dispatcher, and the output writer
// together. Commands execute strictly in arrival order on a single
// loop; only prompt generation and OAuth flows run detached.
type Host struct {
	reader     io.Reader
	writer     *Writer
	dispatcher *Dispatcher

	in   chan inbound
	done chan struct{}
}

// New creates a host reading commands from r. The writer and
// dispatcher are built by the caller so their wiring (event fan-out,
// inspection mirror) is already in place.
func New(r io.Reader, w *Writer, d *Dispatcher) *Host {
	return &Host{
		reader:     r,
		writer:     w,
		dispatcher: d,
		in:         make(chan inbound, 64),
		done:       make(chan struct{}),
	}
}

// Submit injects one raw command line from a side channel (the
// inspection listener). It shares the queue with stdin, so injected
// commands obey the same ordering guarantees. Lines arriving after
// the host has stopped are dropped.
func (h *Host) Submit(line []byte) {
	cmd, err := protocol.ParseCommand(line)
	select {
	case h.in <- inbound{cmd: cmd, parseErr: err}:
	case <-h.done:
	}
}

// Run processes commands until a shutdown command, end of input, or
// context cancellation. On every exit path all sessions are closed,
// all OAuth flows cancelled, and the output queue fully drained.
func (h *Host) Run(ctx context.Context) error {
	defer close(h.done)

	go h.readLoop()

	for {
		select {
		case <-ctx.Done():
			h.teardown()
			return ctx.Err()

		case item := <-h.in:
			if item.eof {
				h.teardown()
				return nil
			}
			if item.parseErr != nil {
				h.respond(protocol.Fail(item.cmd.ID, protocol.CommandParse, item.parseErr.Error()))
				continue
			}

			h.respond(h.dispatcher.Dispatch(ctx, item.cmd))

			if item.cmd.Type == protocol.CmdShutdown {
				h.writer.Close()
				return nil
			}
		}
	}
}

func (h *Host) respond(resp protocol.Response) {
	if err := h.writer.Enqueue(resp); err != nil {
		log.Printf("enqueue response for %s: %v", resp.Command, err)
	}
}

func (h *Host) teardown() {
	h.dispatcher.Shutdown()
	h.writer.Close()
}

func (h *Host) readLoop() {
	reader := bufio.NewReaderSize(h.reader, 64*1024)

	for {
		line, tooLong, err := readLine(reader)

		if tooLong {
			// The oversized line still gets its one response; only the
			// line is discarded, never the session table.
			if !h.deliver(inbound{
				cmd:      &protocol.Command{},
				parseErr: fmt.Errorf("Command line exceeds %d bytes", maxLineBytes),
			}) {
				return
			}
		} else if len(line) != 0 {
			cmd, perr := protocol.ParseCommand(line)
			if !h.deliver(inbound{cmd: cmd, parseErr: perr}) {
				return
			}
		}

		if err != nil {
			if err != io.EOF {
				log.Printf("read input: %v", err)
			}
			break
		}
	}

	h.deliver(inbound{eof: true})
}

// deliver hands one unit to the command loop, reporting false once the
// host has stopped consuming.
func (h *Host) deliver(item inbound) bool {
	select {
	case h.in <- item:
		return true
	case <-h.done:
		return false
	}
}

// readLine reads one newline-terminated line. Lines longer than
// maxLineBytes are consumed to their end and reported as too long
// instead of being returned.
func readLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, rerr := r.ReadSlice('\n')
		buf = append(buf, chunk...)

		if rerr == bufio.ErrBufferFull {
			if len(buf) > maxLineBytes {
				return nil, true, discardLine(r)
			}
			continue
		}
		if rerr != nil {
			// EOF may carry a final unterminated line.
			if len(buf) > maxLineBytes {
				return nil, true, rerr
			}
			return buf, false, rerr
		}
		buf = buf[:len(buf)-1] // strip the newline
		if len(buf) > maxLineBytes {
			return nil, true, nil
		}
		return buf, false, nil
	}
}

// discardLine consumes input up to and including the next newline.
func discardLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			continue
		}
		return err
	}
}
