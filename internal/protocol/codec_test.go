package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

const validTarget = `{"id":1,"name":"alpha","mac":"AA:BB:CC:DD:EE:01","channels":[1500,1500,1000,1500],"connection_state":true,"last_successful_send":1234,"is_channels_overridden":false,"override_timeout_remaining":0}`

func TestLineDecoderFeed(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		want    []string
		pending int
	}{
		{
			name:   "single complete line",
			chunks: []string{"{\"type\":\"a\"}\n"},
			want:   []string{`{"type":"a"}`},
		},
		{
			name:    "partial line retained",
			chunks:  []string{"{\"type\":"},
			want:    nil,
			pending: len(`{"type":`),
		},
		{
			name:   "multiple lines in one chunk",
			chunks: []string{"one\ntwo\nthree\n"},
			want:   []string{"one", "two", "three"},
		},
		{
			name:   "empty and whitespace lines skipped",
			chunks: []string{"\n\n  \r\none\r\n\n"},
			want:   []string{"one"},
		},
		{
			name:    "trailing partial after complete",
			chunks:  []string{"one\ntw", "o\nthr"},
			want:    []string{"one", "two"},
			pending: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d LineDecoder
			var got []string
			for _, c := range tt.chunks {
				got = append(got, d.Feed([]byte(c))...)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Feed() lines = %q, want %q", got, tt.want)
			}
			if d.Pending() != tt.pending {
				t.Errorf("Pending() = %d, want %d", d.Pending(), tt.pending)
			}
		})
	}
}

func TestLineDecoderSplitFeedMatchesWholeFeed(t *testing.T) {
	line := `{"type":"targets_update","targets":[` + validTarget + `]}` + "\n"

	var whole LineDecoder
	want := whole.Feed([]byte(line))
	if len(want) != 1 {
		t.Fatalf("whole feed produced %d lines, want 1", len(want))
	}

	for size := 1; size <= len(line); size++ {
		var d LineDecoder
		var got []string
		for i := 0; i < len(line); i += size {
			end := min(i+size, len(line))
			got = append(got, d.Feed([]byte(line[i:end]))...)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("chunk size %d: got %q, want %q", size, got, want)
		}
	}
}

func TestLineDecoderOverflowDiscardsPartial(t *testing.T) {
	var d LineDecoder
	d.Feed(bytes.Repeat([]byte("x"), MaxLineBytes+1))
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after overflow, want 0", d.Pending())
	}
	if d.Overflowed != 1 {
		t.Errorf("Overflowed = %d, want 1", d.Overflowed)
	}

	// The tail of the oversized line arrives in later reads and must not
	// surface as a line of its own.
	if lines := d.Feed([]byte("xxxx")); len(lines) != 0 {
		t.Errorf("tail of oversized line emitted: %q", lines)
	}
	lines := d.Feed([]byte("xx\nok\n"))
	if len(lines) != 1 || lines[0] != "ok" {
		t.Errorf("decoder did not recover after overflow: %q", lines)
	}
	if d.Overflowed != 1 {
		t.Errorf("Overflowed = %d after recovery, want 1", d.Overflowed)
	}
}

func TestLineDecoderResetClearsDiscard(t *testing.T) {
	var d LineDecoder
	d.Feed(bytes.Repeat([]byte("x"), MaxLineBytes+1))
	d.Reset()

	lines := d.Feed([]byte("fresh\n"))
	if len(lines) != 1 || lines[0] != "fresh" {
		t.Errorf("Feed after Reset = %q, want [fresh]", lines)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantErr  error
	}{
		{name: "valid", input: `{"type":"targets_update","targets":[]}`, wantType: "targets_update"},
		{name: "unknown type still parses", input: `{"type":"telemetry"}`, wantType: "telemetry"},
		{name: "invalid JSON", input: `{not json}`, wantErr: ErrMalformedLine},
		{name: "array is not an object", input: `[1,2,3]`, wantErr: ErrMalformedLine},
		{name: "null literal", input: `null`, wantErr: ErrMalformedLine},
		{name: "missing type", input: `{"targets":[]}`, wantErr: ErrMissingType},
		{name: "non-string type", input: `{"type":5}`, wantErr: ErrMissingType},
		{name: "empty type", input: `{"type":""}`, wantErr: ErrMissingType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseLine(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseLine() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLine() unexpected error: %v", err)
			}
			if env.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", env.Type, tt.wantType)
			}
			if string(env.Raw) != tt.input {
				t.Errorf("Raw = %s, want %s", env.Raw, tt.input)
			}
		})
	}
}

func TestParseTargetsUpdate(t *testing.T) {
	t.Run("valid batch", func(t *testing.T) {
		second := strings.Replace(validTarget, `"id":1`, `"id":2`, 1)
		raw := []byte(`{"type":"targets_update","targets":[` + validTarget + `,` + second + `]}`)

		targets, err := ParseTargetsUpdate(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(targets) != 2 {
			t.Fatalf("got %d targets, want 2", len(targets))
		}
		want := Target{
			ID:                 1,
			Name:               "alpha",
			MAC:                "AA:BB:CC:DD:EE:01",
			Channels:           []int{1500, 1500, 1000, 1500},
			ConnectionState:    true,
			LastSuccessfulSend: 1234,
		}
		if !reflect.DeepEqual(targets[0], want) {
			t.Errorf("targets[0] = %+v, want %+v", targets[0], want)
		}
		if targets[1].ID != 2 {
			t.Errorf("targets[1].ID = %d, want 2", targets[1].ID)
		}
	})

	t.Run("empty batch is valid", func(t *testing.T) {
		targets, err := ParseTargetsUpdate([]byte(`{"type":"targets_update","targets":[]}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(targets) != 0 {
			t.Errorf("got %d targets, want 0", len(targets))
		}
	})

	tests := []struct {
		name        string
		raw         string
		wantIndex   int
		wantMissing []string
		wantErr     error
	}{
		{
			name:      "missing targets field",
			raw:       `{"type":"targets_update"}`,
			wantIndex: -1,
		},
		{
			name:      "targets not an array",
			raw:       `{"type":"targets_update","targets":{}}`,
			wantIndex: -1,
		},
		{
			name:      "targets null",
			raw:       `{"type":"targets_update","targets":null}`,
			wantIndex: -1,
		},
		{
			name:        "one record missing a field",
			raw:         `{"type":"targets_update","targets":[` + validTarget + `,{"id":2,"name":"b","mac":"x","channels":[],"connection_state":true,"last_successful_send":0,"is_channels_overridden":false}]}`,
			wantIndex:   1,
			wantMissing: []string{"override_timeout_remaining"},
		},
		{
			name:      "record with wrong field type",
			raw:       `{"type":"targets_update","targets":[` + strings.Replace(validTarget, `"id":1`, `"id":"one"`, 1) + `]}`,
			wantIndex: 0,
		},
		{
			name:      "record is not an object",
			raw:       `{"type":"targets_update","targets":[42]}`,
			wantIndex: 0,
		},
		{
			name:      "repeated id",
			raw:       `{"type":"targets_update","targets":[` + validTarget + `,` + strings.Replace(validTarget, `"alpha"`, `"beta"`, 1) + `]}`,
			wantIndex: 1,
			wantErr:   ErrDuplicateID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets, err := ParseTargetsUpdate([]byte(tt.raw))
			if targets != nil {
				t.Errorf("expected no targets on failure, got %v", targets)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if verr.Index != tt.wantIndex {
				t.Errorf("Index = %d, want %d", verr.Index, tt.wantIndex)
			}
			if tt.wantMissing != nil && !reflect.DeepEqual(verr.Missing, tt.wantMissing) {
				t.Errorf("Missing = %v, want %v", verr.Missing, tt.wantMissing)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if verr.Error() == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestEncodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *OverrideChannels
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid override",
			cmd:  NewOverrideChannels(3, []int{1000, 2000}, 500),
			checkFn: func(t *testing.T, output string) {
				want := `{"type":"override_channels","target_id":3,"channels":[1000,2000],"duration":500}` + "\n"
				if output != want {
					t.Errorf("output = %q, want %q", output, want)
				}
			},
		},
		{
			name: "nil channels encode as empty array",
			cmd:  NewOverrideChannels(1, nil, 0),
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"channels":[]`) {
					t.Errorf("expected empty array, got %q", output)
				}
			},
		},
		{
			name:    "wrong type",
			cmd:     &OverrideChannels{Type: "targets_update"},
			wantErr: true,
		},
		{
			name:    "nil command",
			cmd:     nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeCommand(&buf, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				if strings.Count(buf.String(), "\n") != 1 || !strings.HasSuffix(buf.String(), "\n") {
					t.Errorf("expected exactly one trailing newline, got %q", buf.String())
				}
				if tt.checkFn != nil {
					tt.checkFn(t, buf.String())
				}
			}
		})
	}
}

func TestEncodeThenFeedRoundTrip(t *testing.T) {
	orig := NewOverrideChannels(12, []int{1100, 1200, 1300, 1400}, 2500)
	b, err := MarshalCommand(orig)
	if err != nil {
		t.Fatalf("MarshalCommand: %v", err)
	}

	var d LineDecoder
	lines := d.Feed(b)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	got, err := DecodeCommand(lines[0])
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if !reflect.DeepEqual(got, orig) {
		t.Errorf("round trip = %+v, want %+v", got, orig)
	}
}

func TestTargetClone(t *testing.T) {
	orig := Target{ID: 1, Channels: []int{1, 2, 3}}
	c := orig.Clone()
	c.Channels[0] = 99
	if orig.Channels[0] != 1 {
		t.Error("Clone shares the channels slice")
	}
}
