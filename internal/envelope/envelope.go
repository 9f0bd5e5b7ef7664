// Package envelope defines the frame envelope — the atomic unit of work the
// orchestrator routes — and its flat key/value wire codec.
//
// The on-wire shape of an entry is a flat string map (the value set of a
// stream entry). The codec is the single quarantine zone for untyped data:
// everything inside the process works with the typed Frame struct.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed marks an entry that is missing or corrupting a required field.
// Malformed entries cannot be repaired by retrying; the consumption loop
// dead-letters them immediately.
var ErrMalformed = errors.New("malformed frame envelope")

// Wire field names of a frame entry.
const (
	FieldFrameID    = "frame_id"
	FieldCameraID   = "camera_id"
	FieldTimestamp  = "timestamp"
	FieldWidth      = "width"
	FieldHeight     = "height"
	FieldFormat     = "format"
	FieldImageData  = "image_data"
	FieldPayloadRef = "payload_ref"
	FieldMetadata   = "metadata"
	FieldTrace      = "traceparent"
	FieldSeq        = "orchestrator_seq"
)

// timeLayout is ISO-8601 UTC with nanosecond resolution.
const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Frame is a decoded frame envelope. Immutable once decoded; components pass
// it by pointer but never mutate it after the codec returns it.
type Frame struct {
	FrameID    string
	CameraID   string
	CapturedAt time.Time

	Width  uint32
	Height uint32
	Format string

	// Exactly one of ImageData (base64 payload, inline) or PayloadRef (key
	// into external storage) is set.
	ImageData  string
	PayloadRef string

	// Metadata is the decoded form of the optional JSON metadata blob.
	Metadata map[string]interface{}

	// TraceParent carries the W3C trace context of the ingest producer.
	TraceParent string

	// OrchestratorSeq is the monotonic assignment sequence stamped by the
	// dispatcher on per-processor queue entries. Zero on upstream entries.
	OrchestratorSeq uint64
}

// Inline reports whether the pixel payload travels inside the entry.
func (f *Frame) Inline() bool { return f.ImageData != "" }

// Decode parses a stream entry's value map into a Frame. It returns an error
// wrapping ErrMalformed naming the offending field when a required field is
// missing, duplicated with its alternative, or unparseable.
func Decode(values map[string]interface{}) (*Frame, error) {
	f := &Frame{}

	var err error
	if f.FrameID, err = requireString(values, FieldFrameID); err != nil {
		return nil, err
	}
	if f.CameraID, err = requireString(values, FieldCameraID); err != nil {
		return nil, err
	}

	ts, err := requireString(values, FieldTimestamp)
	if err != nil {
		return nil, err
	}
	f.CapturedAt, err = time.Parse(timeLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", ErrMalformed, FieldTimestamp, ts, err)
	}
	f.CapturedAt = f.CapturedAt.UTC()

	if f.Width, err = requireUint32(values, FieldWidth); err != nil {
		return nil, err
	}
	if f.Height, err = requireUint32(values, FieldHeight); err != nil {
		return nil, err
	}
	if f.Format, err = requireString(values, FieldFormat); err != nil {
		return nil, err
	}

	f.ImageData = optionalString(values, FieldImageData)
	f.PayloadRef = optionalString(values, FieldPayloadRef)
	if f.ImageData == "" && f.PayloadRef == "" {
		return nil, fmt.Errorf("%w: one of %s or %s required", ErrMalformed, FieldImageData, FieldPayloadRef)
	}
	if f.ImageData != "" && f.PayloadRef != "" {
		return nil, fmt.Errorf("%w: %s and %s are mutually exclusive", ErrMalformed, FieldImageData, FieldPayloadRef)
	}

	if raw := optionalString(values, FieldMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, FieldMetadata, err)
		}
	}
	f.TraceParent = optionalString(values, FieldTrace)

	if raw := optionalString(values, FieldSeq); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", ErrMalformed, FieldSeq, raw)
		}
		f.OrchestratorSeq = seq
	}

	return f, nil
}

// Encode renders the frame back to its wire map. Encode(Decode(m)) preserves
// every wire-valid field of m.
func Encode(f *Frame) map[string]interface{} {
	values := map[string]interface{}{
		FieldFrameID:   f.FrameID,
		FieldCameraID:  f.CameraID,
		FieldTimestamp: f.CapturedAt.UTC().Format(timeLayout),
		FieldWidth:     strconv.FormatUint(uint64(f.Width), 10),
		FieldHeight:    strconv.FormatUint(uint64(f.Height), 10),
		FieldFormat:    f.Format,
	}
	if f.ImageData != "" {
		values[FieldImageData] = f.ImageData
	} else {
		values[FieldPayloadRef] = f.PayloadRef
	}
	if len(f.Metadata) > 0 {
		raw, _ := json.Marshal(f.Metadata)
		values[FieldMetadata] = string(raw)
	}
	if f.TraceParent != "" {
		values[FieldTrace] = f.TraceParent
	}
	if f.OrchestratorSeq != 0 {
		values[FieldSeq] = strconv.FormatUint(f.OrchestratorSeq, 10)
	}
	return values
}

func requireString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", ErrMalformed, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrMalformed, key)
	}
	return s, nil
}

func requireUint32(values map[string]interface{}, key string) (uint32, error) {
	s, err := requireString(values, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformed, key, s)
	}
	return uint32(n), nil
}

func optionalString(values map[string]interface{}, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
