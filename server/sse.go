package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// doneEvent terminates every assist stream; clients stop reading when they
// see it.
const doneEvent = "done"

// event is the JSON body of one SSE frame. Chunks belonging to the same
// text stream share a stream id so clients can reassemble them.
type event struct {
	ID        string `json:"id"`
	EventName string `json:"event_name"`
	StreamID  string `json:"stream_id,omitempty"`
	Content   any    `json:"content,omitempty"`
}

// sseEmitter writes agent events to the client as Server-Sent Events,
// flushing after each frame so output streams instead of buffering.
type sseEmitter struct {
	w       http.ResponseWriter
	flush   http.Flusher
	streams map[string]string
}

func newSSEEmitter(w http.ResponseWriter) (*sseEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &sseEmitter{
		w:       w,
		flush:   flusher,
		streams: make(map[string]string),
	}, nil
}

func (e *sseEmitter) send(name string, ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	e.flush.Flush()
	return nil
}

func (e *sseEmitter) TextBlock(name, text string) error {
	return e.send(name, event{ID: uuid.NewString(), EventName: name, Content: text})
}

func (e *sseEmitter) JSON(name string, payload any) error {
	return e.send(name, event{ID: uuid.NewString(), EventName: name, Content: payload})
}

func (e *sseEmitter) Chunk(name, chunk string) error {
	streamID, ok := e.streams[name]
	if !ok {
		streamID = uuid.NewString()
		e.streams[name] = streamID
	}
	return e.send(name, event{ID: uuid.NewString(), EventName: name, StreamID: streamID, Content: chunk})
}

func (e *sseEmitter) Done() error {
	return e.send(doneEvent, event{ID: uuid.NewString(), EventName: doneEvent})
}
