// Package stream decodes the batch event stream and routes decoded frames.
//
// The wire format is a sequence of frames separated by a blank line. Each frame
// carries an "event: <name>" line and a "data: <json>" line in either order.
// Frames that lack either line, name an unknown event, or carry data that is
// not a JSON object are dropped without error.
package stream

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/yourorg/batchwatch/pkg/types"
)

var (
	frameDelim = []byte("\n\n")
	crlf       = []byte("\r\n")
	lf         = []byte("\n")

	eventLine = regexp.MustCompile(`(?m)^event:[ \t]*(\S+)`)
	dataLine  = regexp.MustCompile(`(?m)^data:[ \t]?(.*)$`)
)

// ParseSegment decodes a single frame. Only the first event line and the
// first data line are considered.
func ParseSegment(seg []byte) (types.FrameEvent, bool) {
	em := eventLine.FindSubmatch(seg)
	dm := dataLine.FindSubmatch(seg)
	if em == nil || dm == nil {
		return types.FrameEvent{}, false
	}
	kind := types.EventKind(em[1])
	if !kind.Known() {
		return types.FrameEvent{}, false
	}
	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(dm[1]), &payload); err != nil {
		return types.FrameEvent{}, false
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return types.FrameEvent{Kind: kind, Payload: payload}, true
}

// Decoder holds the partial-frame tail between reads of one stream.
type Decoder struct {
	tail []byte
}

// Feed decodes the frames completed by chunk. Only chunk is normalised and
// scanned, plus the last byte already held, so a frame arriving in many small
// chunks costs linear time. The last fragment is always held back, even when
// it looks complete, because more bytes of it may still be in flight.
func (d *Decoder) Feed(chunk []byte) []types.FrameEvent {
	// a CR held from the previous chunk pairs with a leading LF here
	if n := len(d.tail); n > 0 && d.tail[n-1] == '\r' && len(chunk) > 0 && chunk[0] == '\n' {
		d.tail = d.tail[:n-1]
	}
	from := len(d.tail) - 1
	if from < 0 {
		from = 0
	}
	if bytes.IndexByte(chunk, '\r') >= 0 {
		chunk = bytes.ReplaceAll(chunk, crlf, lf)
	}
	d.tail = append(d.tail, chunk...)

	var frames []types.FrameEvent
	start := 0
	for {
		i := bytes.Index(d.tail[from:], frameDelim)
		if i < 0 {
			break
		}
		end := from + i
		if ev, ok := ParseSegment(d.tail[start:end]); ok {
			frames = append(frames, ev)
		}
		start = end + len(frameDelim)
		from = start
	}
	if start > 0 {
		n := copy(d.tail, d.tail[start:])
		d.tail = d.tail[:n]
	}
	return frames
}

// Finish is called once the source reports end of stream. It parses the
// held-back tail as a final frame and resets the decoder.
func (d *Decoder) Finish() []types.FrameEvent {
	seg := bytes.TrimRight(d.tail, "\n")
	d.tail = nil
	if len(bytes.TrimSpace(seg)) == 0 {
		return nil
	}
	if ev, ok := ParseSegment(seg); ok {
		return []types.FrameEvent{ev}
	}
	return nil
}

// Tail returns the bytes currently held back.
func (d *Decoder) Tail() []byte {
	return d.tail
}
