// Package broadcast fans combat log entries out to live subscribers as
// framed, sanitized push messages. Delivery is decoupled from the mutator:
// publishing enqueues to per-sink bounded queues drained by writer
// goroutines, so a slow subscriber never stalls the combat or its peers.
package broadcast

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/turnwatch/turnwatch-server/internal/combatlog"
	"github.com/turnwatch/turnwatch-server/internal/sanitize"
)

// SerializationError reports a log payload that could not be serialized for
// delivery, such as a cyclic details value. The mutation that produced the
// entry has already committed; only delivery failed.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("payload not serializable: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// EncodeFrame sanitizes v, serializes it to compact JSON and wraps it in the
// push wire framing "data: <json>\n\n". A nil payload serializes to the
// literal null. The encoder's HTML escaping is off: the entities written by
// the sanitizer must reach the client byte for byte.
func EncodeFrame(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("data: ")

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sanitize.Value(v)); err != nil {
		return nil, &SerializationError{Err: err}
	}

	// Encode terminates the value with a newline; the framing needs two.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// encodeEntry sanitizes every untrusted field of the entry and frames it.
// Actor/target names and the open details payload carry user-supplied text;
// everything else is engine-generated.
func encodeEntry(e combatlog.Entry) ([]byte, error) {
	e.ActorName = sanitize.String(e.ActorName)
	e.TargetName = sanitize.String(e.TargetName)
	e.DamageType = sanitize.String(e.DamageType)
	if e.Details != nil {
		d := *e.Details
		d.Condition = sanitize.String(d.Condition)
		d.Outcome = sanitize.String(d.Outcome)
		d.Description = sanitize.String(d.Description)
		if d.Extra != nil {
			d.Extra, _ = sanitize.Value(d.Extra).(map[string]interface{})
		}
		e.Details = &d
	}

	return EncodeFrame(e)
}
