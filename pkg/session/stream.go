package session

import (
	"context"
	"io"

	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// Snapshot is the growing response of one generation within a turn.
type Snapshot struct {
	Turn int
	// Round counts the tool rounds executed before this generation.
	Round    int
	Response response.Response
}

// ResponseStream yields the snapshots of a turn as it runs. It is finite and
// cannot be restarted. Callers must drain it or call Close.
type ResponseStream struct {
	snapshots chan Snapshot
	cancel    context.CancelFunc
	done      chan struct{}

	entry transcript.Entry
	err   error
}

// Stream starts a turn and returns its snapshots. The SessionBusy check is
// made before Stream returns.
func (s *Session) Stream(ctx context.Context, prompt Prompt, opts GenerateOptions) (*ResponseStream, error) {
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	if err := s.acquire(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	rs := &ResponseStream{
		snapshots: make(chan Snapshot),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go func() {
		defer close(rs.done)
		defer close(rs.snapshots)
		defer cancel()
		defer s.release()
		rs.entry, rs.err = s.run(ctx, prompt, opts, func(snap Snapshot) {
			select {
			case rs.snapshots <- snap:
			case <-ctx.Done():
			}
		})
	}()
	return rs, nil
}

// Recv returns the next snapshot. After the last one it returns io.EOF when
// the turn completed, or the turn's failure.
func (r *ResponseStream) Recv() (Snapshot, error) {
	snap, ok := <-r.snapshots
	if ok {
		return snap, nil
	}
	if r.err != nil {
		return Snapshot{}, r.err
	}
	return Snapshot{}, io.EOF
}

// Close cancels the turn if it is still running and waits for it to settle.
func (r *ResponseStream) Close() error {
	r.cancel()
	<-r.done
	return nil
}

// Result waits for the turn and returns its final Response entry.
func (r *ResponseStream) Result() (transcript.Entry, error) {
	<-r.done
	return r.entry, r.err
}
