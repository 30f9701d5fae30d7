package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxLineBytes bounds the accumulator so a transmitter that never sends a
// newline cannot grow it without limit.
const MaxLineBytes = 64 * 1024

// LineDecoder splits a raw byte stream into complete, trimmed lines.
// It is not safe for concurrent use; the reader goroutine owns it.
type LineDecoder struct {
	buf []byte
	// discarding is set after an overflow until the oversized line's
	// terminating newline has been seen.
	discarding bool
	// Overflowed counts lines discarded for exceeding MaxLineBytes.
	Overflowed int
}

// Feed appends data and returns every complete non-empty line. The trailing
// partial segment is retained for the next call.
func (d *LineDecoder) Feed(data []byte) []string {
	if d.discarding {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return nil
		}
		data = data[idx+1:]
		d.discarding = false
	}
	d.buf = append(d.buf, data...)

	var lines []string
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(d.buf[:idx]))
		d.buf = d.buf[idx+1:]
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	if len(d.buf) > MaxLineBytes {
		d.buf = d.buf[:0]
		d.discarding = true
		d.Overflowed++
	}
	// Drop the consumed prefix so the backing array doesn't pin old data.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines
}

// Pending reports how many bytes are waiting for a newline.
func (d *LineDecoder) Pending() int { return len(d.buf) }

// Reset discards any buffered partial line.
func (d *LineDecoder) Reset() { d.buf, d.discarding = nil, false }

// ParseLine decodes one line as a JSON object and extracts its discriminator.
func ParseLine(line string) (Envelope, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if obj == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedLine)
	}

	rawType, ok := obj["type"]
	if !ok {
		return Envelope{}, ErrMissingType
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil || typ == "" {
		return Envelope{}, ErrMissingType
	}

	return Envelope{Type: typ, Raw: json.RawMessage(line)}, nil
}

// ParseTargetsUpdate validates a targets_update envelope. Either every record
// is complete with a unique id and the full slice is returned, or nothing is.
func ParseTargetsUpdate(raw json.RawMessage) ([]Target, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &ValidationError{Index: -1, Err: err}
	}
	rawTargets, ok := envelope["targets"]
	if !ok {
		return nil, &ValidationError{Index: -1}
	}

	var records []json.RawMessage
	if err := json.Unmarshal(rawTargets, &records); err != nil {
		return nil, &ValidationError{Index: -1, Err: fmt.Errorf("targets: %w", err)}
	}
	if records == nil {
		return nil, &ValidationError{Index: -1, Err: fmt.Errorf("targets is null")}
	}

	targets := make([]Target, 0, len(records))
	seen := make(map[int]int, len(records))
	for i, rec := range records {
		t, err := decodeTarget(i, rec)
		if err != nil {
			return nil, err
		}
		if first, dup := seen[t.ID]; dup {
			return nil, &ValidationError{Index: i, Record: string(rec),
				Err: fmt.Errorf("%w: id %d already used by target[%d]", ErrDuplicateID, t.ID, first)}
		}
		seen[t.ID] = i
		targets = append(targets, t)
	}
	return targets, nil
}

func decodeTarget(index int, rec json.RawMessage) (Target, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec, &fields); err != nil || fields == nil {
		if err == nil {
			err = fmt.Errorf("record is not an object")
		}
		return Target{}, &ValidationError{Index: index, Record: string(rec), Err: err}
	}

	var missing []string
	for _, name := range TargetFields {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Target{}, &ValidationError{Index: index, Missing: missing, Record: string(rec)}
	}

	var t Target
	if err := json.Unmarshal(rec, &t); err != nil {
		return Target{}, &ValidationError{Index: index, Record: string(rec), Err: err}
	}
	return t, nil
}

// MarshalCommand serializes cmd as one JSON line terminated by a single newline.
func MarshalCommand(cmd *OverrideChannels) ([]byte, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}
	out := *cmd
	if out.Channels == nil {
		// The transmitter expects an array, never null.
		out.Channels = []int{}
	}
	b, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return append(b, '\n'), nil
}

// EncodeCommand writes cmd to w as one JSON line.
func EncodeCommand(w io.Writer, cmd *OverrideChannels) error {
	b, err := MarshalCommand(cmd)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// DecodeCommand parses an outbound command line.
func DecodeCommand(line string) (*OverrideChannels, error) {
	env, err := ParseLine(line)
	if err != nil {
		return nil, err
	}
	if env.Type != TypeOverrideChannels {
		return nil, fmt.Errorf("unexpected message type: %q", env.Type)
	}
	var cmd OverrideChannels
	if err := json.Unmarshal(env.Raw, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	return &cmd, nil
}

func validateCommand(cmd *OverrideChannels) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	if cmd.Type != TypeOverrideChannels {
		return fmt.Errorf("unsupported command type: %q", cmd.Type)
	}
	return nil
}
