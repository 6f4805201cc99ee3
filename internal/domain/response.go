package domain

import "time"

// Outcome classifies how a request left the client.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Response is delivered exactly once per request, either from the server or
// synthesized by the retry queue.
type Response struct {
	RequestID    string        `json:"request_id"`
	Key          []byte        `json:"key"`
	Opcode       Opcode        `json:"opcode"`
	Opaque       uint32        `json:"opaque"`
	Status       Status        `json:"status"`
	// ErrorCode is the raw server status when the server answered.
	ErrorCode    uint16        `json:"error_code,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	ErrorContext string        `json:"error_context,omitempty"`
	Attempts     int           `json:"attempts"`
	Elapsed      time.Duration `json:"elapsed"`
	Value        []byte        `json:"value,omitempty"`
	Server       int           `json:"server"`
}

// NewResponse builds a response carrying the original request metadata.
func NewResponse(req *Request, status Status, outcome Outcome) *Response {
	return &Response{
		RequestID: req.ID,
		Key:       req.Key,
		Opcode:    req.Opcode,
		Opaque:    req.Opaque,
		Status:    status,
		Outcome:   outcome,
		Attempts:  req.Retry.Attempts,
		Server:    -1,
	}
}
