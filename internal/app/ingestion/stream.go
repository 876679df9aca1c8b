package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streampulse/streampulse/internal/app/domain/event"
)

// FrameKind distinguishes the two frame types accepted on the bidirectional
// submission channel described in §4.C.
type FrameKind string

const (
	FrameEvent FrameKind = "event"
	FramePing  FrameKind = "ping"
	FramePong  FrameKind = "pong"
)

// Frame is one inbound or outbound message on the streaming channel.
type Frame struct {
	Kind  FrameKind       `json:"kind"`
	Event json.RawMessage `json:"event,omitempty"`
}

// HandleFrame processes a single inbound frame, preserving per-channel
// ordering (the caller is expected to invoke this serially per connection;
// no ordering is implied across connections). A ping yields a pong frame;
// an event frame is submitted through Edge.Submit and yields an ack frame
// carrying the assigned id. A malformed, invalid or unknown frame yields an
// empty Frame and a non-nil error; building the error frame is the caller's job.
func (e *Edge) HandleFrame(ctx context.Context, in Frame, callerIdentity string) (Frame, error) {
	switch in.Kind {
	case FramePing:
		return Frame{Kind: FramePong}, nil
	case FrameEvent:
		var ev event.Event
		if err := json.Unmarshal(in.Event, &ev); err != nil {
			return Frame{}, fmt.Errorf("ingestion: malformed event frame: %w", err)
		}
		id, err := e.Submit(ctx, ev, callerIdentity)
		if err != nil {
			return Frame{}, err
		}
		ack, _ := json.Marshal(map[string]string{"event_id": id})
		return Frame{Kind: FrameEvent, Event: ack}, nil
	default:
		return Frame{}, fmt.Errorf("ingestion: unknown frame kind %q", in.Kind)
	}
}
