package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/cexll/sessionkit/pkg/failure"
)

// Framing is the wire shape of a backend response body.
type Framing int

const (
	// SSE is a server-sent event stream with JSON data payloads.
	SSE Framing = iota + 1
	// NDJSON is one self-contained JSON object per line.
	NDJSON
	// Document is a single terminal JSON document.
	Document
)

func (f Framing) String() string {
	switch f {
	case SSE:
		return "sse"
	case NDJSON:
		return "ndjson"
	case Document:
		return "document"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

const (
	maxErrorBody    = 64 * 1024
	maxNDJSONLine   = 4 * 1024 * 1024
	maxDocumentSize = 32 * 1024 * 1024
)

// Frame is one transport unit: an SSE event, an NDJSON line or the whole
// document. Event is the SSE event name, empty for other framings.
type Frame struct {
	Event string
	Data  []byte
}

// FrameMapper converts one frame into canonical events. It may return no
// events for keep-alives and bookkeeping frames. An error means the frame
// could not be parsed.
type FrameMapper func(Frame) ([]Event, error)

// FromResponse normalizes an HTTP response into a Stream. A non-2xx status
// yields a single TransportFailure carrying status and body. Unparseable SSE
// and NDJSON frames are logged and skipped; an unparseable Document is a
// MalformedContent failure. The body is closed when the stream ends, when
// Close is called or when ctx is done.
func FromResponse(ctx context.Context, resp *http.Response, framing Framing, mapper FrameMapper, opts ...Option) Stream {
	opts = append([]Option{WithContext(ctx)}, opts...)
	o := newOptions(opts)
	if resp == nil || resp.Body == nil {
		return Pull(func() (Event, error) {
			return Failure(failure.Transport(o.subject, 0, "", errors.New("empty response"))), nil
		}, nil, opts...)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		err := failure.Transport(o.subject, resp.StatusCode, string(body), nil)
		return Pull(func() (Event, error) { return Failure(err), nil }, nil, opts...)
	}

	stop := context.AfterFunc(o.ctx, func() { _ = resp.Body.Close() })
	closeBody := func() error {
		stop()
		return resp.Body.Close()
	}

	n := &normalizer{ctx: o.ctx, mapper: mapper, opts: o}
	switch framing {
	case SSE:
		n.source = sseSource(resp)
	case NDJSON:
		n.source = ndjsonSource(resp.Body)
	case Document:
		n.source = documentSource(resp.Body)
		n.strict = true
	default:
		_ = closeBody()
		err := failure.Transport(o.subject, 0, "", fmt.Errorf("unsupported framing %s", framing))
		return Pull(func() (Event, error) { return Failure(err), nil }, nil, opts...)
	}
	return Pull(n.next, closeBody, opts...)
}

type frameSource func() (Frame, error)

type normalizer struct {
	ctx     context.Context
	source  frameSource
	mapper  FrameMapper
	opts    options
	strict  bool
	pending []Event
	frames  int
}

func (n *normalizer) next() (Event, error) {
	for len(n.pending) == 0 {
		frame, err := n.source()
		if err != nil {
			return Event{}, err
		}
		n.frames++
		if len(bytes.TrimSpace(frame.Data)) == 0 && !n.strict {
			continue
		}
		events, err := n.mapper(frame)
		if err != nil {
			if n.strict {
				var fe *failure.Error
				if errors.As(err, &fe) {
					return Event{}, err
				}
				return Event{}, failure.Malformed(-1, fmt.Errorf("decode %s response: %w", n.opts.subject, err))
			}
			n.opts.logger.Warn(n.ctx, "stream: skipping unparseable frame",
				"provider", n.opts.subject, "frame", n.frames, "event", frame.Event, "err", err)
			continue
		}
		n.pending = events
	}
	ev := n.pending[0]
	n.pending = n.pending[1:]
	return ev, nil
}

func sseSource(resp *http.Response) frameSource {
	dec := ssestream.NewDecoder(resp)
	return func() (Frame, error) {
		if dec == nil || !dec.Next() {
			if dec != nil && dec.Err() != nil {
				return Frame{}, dec.Err()
			}
			return Frame{}, io.EOF
		}
		ev := dec.Event()
		return Frame{Event: ev.Type, Data: bytes.TrimSpace(ev.Data)}, nil
	}
}

func ndjsonSource(body io.Reader) frameSource {
	r := bufio.NewReaderSize(body, 64*1024)
	return func() (Frame, error) {
		for {
			line, err := readLine(r)
			if len(line) > 0 {
				return Frame{Data: line}, nil
			}
			if err != nil {
				return Frame{}, err
			}
		}
	}
}

// readLine returns the next trimmed line. A final line without newline is
// returned together with io.EOF on the following call.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxNDJSONLine {
			return nil, fmt.Errorf("ndjson line exceeds %d bytes", maxNDJSONLine)
		}
		switch {
		case err == nil:
			return bytes.TrimSpace(buf), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			return bytes.TrimSpace(buf), nil
		default:
			return nil, err
		}
	}
}

func documentSource(body io.Reader) frameSource {
	read := false
	return func() (Frame, error) {
		if read {
			return Frame{}, io.EOF
		}
		read = true
		data, err := io.ReadAll(io.LimitReader(body, maxDocumentSize))
		if err != nil {
			return Frame{}, err
		}
		return Frame{Data: data}, nil
	}
}
