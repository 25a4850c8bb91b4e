package models

import "time"

// ErrorEvent is an error observation reported by the pattern detector. The
// workflow engine reads it but never changes it.
type ErrorEvent struct {
	ID              string             `json:"id,omitempty"`
	Source          string             `json:"source,omitempty"`
	EventType       string             `json:"event_type,omitempty"`
	Severity        string             `json:"severity,omitempty"` // severity declared by the detector
	Service         string             `json:"service"`
	ErrorSignature  string             `json:"error_signature"`
	StackTrace      string             `json:"stack_trace,omitempty"`
	CodeLocation    string             `json:"code_location,omitempty"`
	OccurrenceCount int                `json:"occurrence_count"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Tags            map[string]string  `json:"tags,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Clone returns a deep copy of the event.
func (e ErrorEvent) Clone() ErrorEvent {
	out := e
	if e.Metrics != nil {
		out.Metrics = make(map[string]float64, len(e.Metrics))
		for k, v := range e.Metrics {
			out.Metrics[k] = v
		}
	}
	if e.Tags != nil {
		out.Tags = make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			out.Tags[k] = v
		}
	}
	return out
}
