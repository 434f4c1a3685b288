package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	defaultHeartbeat = 15 * time.Second
	feedBuffer       = 8

	connectedComment = ": connected\n\n"
	completeFrame    = "event: complete\ndata: {}\n\n"
)

var errNilStream = errors.New("event: stream is nil")

// Stream broadcasts session events as Server-Sent Events. Each attached
// reader owns a small queue; a reader that falls behind is detached rather
// than slowing the others down.
type Stream struct {
	mu        sync.Mutex
	feeds     map[*feed]struct{}
	heartbeat time.Duration
}

// NewStream returns a stream with the default heartbeat.
func NewStream() *Stream {
	return &Stream{feeds: make(map[*feed]struct{}), heartbeat: defaultHeartbeat}
}

// NewStreamWriter returns a stream that copies every frame into w.
func NewStreamWriter(w io.Writer) *Stream {
	s := NewStream()
	f := s.attach()
	go func() {
		defer s.detach(f)
		for frame := range f.frames {
			if _, err := w.Write(frame); err != nil {
				return
			}
		}
	}()
	return s
}

// SetHeartbeat changes the keep-alive interval for readers attached from now
// on. Zero or less turns heartbeats off.
func (s *Stream) SetHeartbeat(d time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.heartbeat = max(d, 0)
	s.mu.Unlock()
}

// PrepareSSE sets the event-stream headers on w and returns its flusher.
func PrepareSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return flusher, true
}

// ServeHTTP attaches the request as a reader until its context ends.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s == nil {
		http.Error(w, "event: stream not configured", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := PrepareSSE(w)
	if !ok {
		http.Error(w, "event: streaming unsupported", http.StatusInternalServerError)
		return
	}
	f := s.attach()
	defer s.detach(f)

	s.mu.Lock()
	interval := s.heartbeat
	s.mu.Unlock()
	var beat <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		beat = ticker.C
	}

	write := func(p []byte) bool {
		if _, err := w.Write(p); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !write([]byte(connectedComment)) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-f.frames:
			if !open || !write(frame) {
				return
			}
		case now := <-beat:
			if !write([]byte(": heartbeat " + strconv.FormatInt(now.Unix(), 10) + "\n\n")) {
				return
			}
		}
	}
}

// Send encodes evt as one frame named after its type and queues it for every
// reader.
func (s *Stream) Send(evt Event) error {
	if s == nil {
		return errNilStream
	}
	evt = normalize(evt)
	frame, err := EncodeFrame(string(evt.Type), evt.ID, evt)
	if err != nil {
		return err
	}
	s.fanOut(frame)
	return nil
}

// Forward sends events until ctx ends or the channel closes. A closed
// channel is announced with a final complete frame.
func (s *Stream) Forward(ctx context.Context, events <-chan Event) error {
	if s == nil {
		return errNilStream
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				s.fanOut([]byte(completeFrame))
				return nil
			}
			if err := s.Send(evt); err != nil {
				return err
			}
		}
	}
}

// EncodeFrame renders one SSE frame carrying payload as JSON. An empty id
// omits the id field.
func EncodeFrame(name, id string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event: encode frame: %w", err)
	}
	var frame []byte
	if id != "" {
		frame = append(frame, "id: "+id+"\n"...)
	}
	frame = append(frame, "event: "+name+"\n"...)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	return append(frame, '\n', '\n'), nil
}

func (s *Stream) fanOut(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for f := range s.feeds {
		select {
		case f.frames <- frame:
		default:
			delete(s.feeds, f)
			f.stop()
		}
	}
}

func (s *Stream) attach() *feed {
	f := &feed{frames: make(chan []byte, feedBuffer)}
	s.mu.Lock()
	s.feeds[f] = struct{}{}
	s.mu.Unlock()
	return f
}

func (s *Stream) detach(f *feed) {
	s.mu.Lock()
	delete(s.feeds, f)
	s.mu.Unlock()
	f.stop()
}

// feed is one reader's queue.
type feed struct {
	frames chan []byte
	once   sync.Once
}

func (f *feed) stop() { f.once.Do(func() { close(f.frames) }) }
