package testutil

import (
	"sync"
	"time"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/status"
)

// CallbackRecorder captures callback deliveries so tests can assert on the
// exact sequence of codes and payloads. Its Response and Structured methods
// match the bridge callback signatures and can be passed directly as
// callbacks.
type CallbackRecorder struct {
	mu     sync.Mutex
	codes  []status.Code
	texts  []*string
	values []*content.Generated
}

// NewCallbackRecorder creates an empty recorder.
func NewCallbackRecorder() *CallbackRecorder { return &CallbackRecorder{} }

// Response records one free-text delivery.
func (r *CallbackRecorder) Response(code status.Code, text *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	r.texts = append(r.texts, text)
}

// Structured records one guided delivery.
func (r *CallbackRecorder) Structured(code status.Code, value *content.Generated) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	r.values = append(r.values, value)
}

// Len returns the number of deliveries recorded so far.
func (r *CallbackRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.codes)
}

// Codes returns a copy of the recorded status codes in delivery order.
func (r *CallbackRecorder) Codes() []status.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Code(nil), r.codes...)
}

// Texts returns a copy of the recorded text payloads in delivery order.
// Entries are nil where the delivery carried no text.
func (r *CallbackRecorder) Texts() []*string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*string(nil), r.texts...)
}

// Values returns a copy of the recorded structured payloads in delivery
// order. Entries are nil where the delivery carried no value.
func (r *CallbackRecorder) Values() []*content.Generated {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*content.Generated(nil), r.values...)
}

// WaitUntil polls cond every few milliseconds until it reports true or the
// timeout passes, and returns whether the condition was met.
func WaitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
