package models

import "time"

// EventType identifies one kind of orchestration progress event.
type EventType string

const (
	EventStarted        EventType = "started"
	EventPlanning       EventType = "planning"
	EventPlanComplete   EventType = "plan_complete"
	EventSourceStart    EventType = "source_start"
	EventSourceComplete EventType = "source_complete"
	EventSynthesizing   EventType = "synthesizing"
	EventSynthesisChunk EventType = "synthesis_chunk"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Terminal reports whether the event type closes the stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// StreamEvent is one entry in the per-request progress stream. Events are
// serialized into a single channel per request; Seq is monotonic within that
// stream so consumers can detect reordering introduced by their transport.
type StreamEvent struct {
	Type    EventType  `json:"type"`
	At      time.Time  `json:"at"`
	Seq     uint64     `json:"seq"`
	Message string     `json:"message,omitempty"`
	Data    *EventData `json:"data,omitempty"`
}

// EventData carries the type-specific payload. Exactly the fields relevant to
// the event type are set; the rest stay zero and are omitted on the wire.
type EventData struct {
	Plan            *Plan      `json:"plan,omitempty"`
	Provider        ProviderID `json:"provider_id,omitempty"`
	Succeeded       *bool      `json:"succeeded,omitempty"`
	DurationMS      int64      `json:"duration_ms,omitempty"`
	Content         string     `json:"content,omitempty"`
	TotalDurationMS int64      `json:"total_duration_ms,omitempty"`
	Code            Code       `json:"code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// NewEvent builds a bare event stamped now.
func NewEvent(t EventType) StreamEvent {
	return StreamEvent{Type: t, At: time.Now()}
}

// PlanCompleteEvent embeds the finished plan.
func PlanCompleteEvent(plan *Plan) StreamEvent {
	ev := NewEvent(EventPlanComplete)
	ev.Data = &EventData{Plan: plan}
	return ev
}

// SourceStartEvent marks one fan-out leg beginning.
func SourceStartEvent(provider ProviderID) StreamEvent {
	ev := NewEvent(EventSourceStart)
	ev.Data = &EventData{Provider: provider}
	return ev
}

// SourceCompleteEvent marks one fan-out leg finishing, either way.
func SourceCompleteEvent(provider ProviderID, succeeded bool, durationMS int64) StreamEvent {
	ev := NewEvent(EventSourceComplete)
	ev.Data = &EventData{Provider: provider, Succeeded: &succeeded, DurationMS: durationMS}
	return ev
}

// SynthesisChunkEvent carries one textual fragment of the streamed answer.
func SynthesisChunkEvent(content string) StreamEvent {
	ev := NewEvent(EventSynthesisChunk)
	ev.Data = &EventData{Content: content}
	return ev
}

// DoneEvent terminates a successful stream.
func DoneEvent(totalDurationMS int64) StreamEvent {
	ev := NewEvent(EventDone)
	ev.Data = &EventData{TotalDurationMS: totalDurationMS}
	return ev
}

// ErrorEvent terminates a failed stream.
func ErrorEvent(code Code, message string) StreamEvent {
	ev := NewEvent(EventError)
	ev.Data = &EventData{Code: code, ErrorMessage: message}
	return ev
}
