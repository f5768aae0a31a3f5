package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeAppendsNewline(t *testing.T) {
	data, err := Encode(&Message{Type: TypePing, Timestamp: 1700000000})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Errorf("encoded message missing trailing newline: %q", data)
	}
	if bytes.Count(data, []byte("\n")) != 1 {
		t.Errorf("encoded message contains embedded newline: %q", data)
	}
}

func TestDecoderPushSingleMessage(t *testing.T) {
	var d Decoder
	msgs, err := d.Push([]byte(`{"type":"ping","timestamp":1700000000}` + "\n"))
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Type != TypePing {
		t.Errorf("type = %q, want %q", msgs[0].Type, TypePing)
	}
}

func TestDecoderPushSplitAcrossReads(t *testing.T) {
	var d Decoder
	line := `{"type":"command_result","command_id":"42","result":{"status":"success","stdout":"/home\n","cwd":"/home"}}` + "\n"

	for i := 0; i < len(line)-1; i++ {
		msgs, err := d.Push([]byte{line[i]})
		if err != nil {
			t.Fatalf("Push byte %d failed: %v", i, err)
		}
		if len(msgs) != 0 {
			t.Fatalf("message surfaced before newline at byte %d", i)
		}
	}

	msgs, err := d.Push([]byte{'\n'})
	if err != nil {
		t.Fatalf("final Push failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].CommandID != "42" {
		t.Errorf("command_id = %q, want %q", msgs[0].CommandID, "42")
	}
	if msgs[0].Result == nil || msgs[0].Result.WorkDir != "/home" {
		t.Errorf("result cwd not decoded: %+v", msgs[0].Result)
	}
}

func TestDecoderPushMultipleMessagesOneRead(t *testing.T) {
	var d Decoder
	data := `{"type":"ping","timestamp":1}` + "\n" + `{"type":"pong","timestamp":2}` + "\n"
	msgs, err := d.Push([]byte(data))
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Type != TypePing || msgs[1].Type != TypePong {
		t.Errorf("types = %q, %q; want ping, pong", msgs[0].Type, msgs[1].Type)
	}
}

func TestDecoderDiscardsBufferOnMalformed(t *testing.T) {
	var d Decoder
	// A valid message, a malformed one, and trailing partial data. The
	// valid message is surfaced, the rest of the buffer is discarded.
	data := `{"type":"ping","timestamp":1}` + "\n" + `{not json` + "\n" + `{"type":"po`
	msgs, err := d.Push([]byte(data))
	if err == nil {
		t.Fatal("expected decode error for malformed segment")
	}
	if len(msgs) != 1 || msgs[0].Type != TypePing {
		t.Fatalf("messages before malformed segment = %+v, want single ping", msgs)
	}
	if d.Buffered() != 0 {
		t.Errorf("buffer not discarded after malformed segment, %d bytes remain", d.Buffered())
	}

	// The decoder recovers on the next well-formed line.
	msgs, err = d.Push([]byte(`{"type":"pong","timestamp":2}` + "\n"))
	if err != nil {
		t.Fatalf("Push after recovery failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != TypePong {
		t.Fatalf("recovery message = %+v, want single pong", msgs)
	}
}

func TestDecoderRejectsMissingType(t *testing.T) {
	var d Decoder
	_, err := d.Push([]byte(`{"command_id":"abc"}` + "\n"))
	if err == nil {
		t.Fatal("expected error for message without type")
	}
	if d.Buffered() != 0 {
		t.Errorf("buffer not discarded, %d bytes remain", d.Buffered())
	}
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	var d Decoder
	msgs, err := d.Push([]byte("\n\n" + `{"type":"ping","timestamp":1}` + "\n\n"))
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestDecoderLineTooLong(t *testing.T) {
	var d Decoder
	_, err := d.Push([]byte(`{"type":"command","command":"` + strings.Repeat("a", MaxLineBytes) + `"`))
	if err != ErrLineTooLong {
		t.Fatalf("err = %v, want ErrLineTooLong", err)
	}
	if d.Buffered() != 0 {
		t.Errorf("buffer not discarded after oversize line, %d bytes remain", d.Buffered())
	}
}

func TestLegacyTypeAliases(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Type
	}{
		{"command alias", `{"type":"command","command_id":"1","command":"pwd"}`, TypeCommandRequest},
		{"command_response alias", `{"type":"command_response","command_id":"1"}`, TypeCommandResult},
		{"current request form", `{"type":"command_request","command_id":"1","command":"pwd"}`, TypeCommandRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			msgs, err := d.Push([]byte(tt.line + "\n"))
			if err != nil {
				t.Fatalf("Push failed: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("got %d messages, want 1", len(msgs))
			}
			if msgs[0].Type != tt.want {
				t.Errorf("type = %q, want %q", msgs[0].Type, tt.want)
			}
		})
	}
}

func TestWriterSerializesCompleteLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.Write(&Message{Type: TypeCommandRequest, CommandID: "a", Command: "pwd"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.WritePing(); err != nil {
		t.Fatalf("WritePing failed: %v", err)
	}
	if err := w.WritePong(); err != nil {
		t.Fatalf("WritePong failed: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %q", len(lines), buf.String())
	}

	var d Decoder
	msgs, err := d.Push(buf.Bytes())
	if err != nil {
		t.Fatalf("round trip decode failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("round trip got %d messages, want 3", len(msgs))
	}
	if msgs[1].Type != TypePing || msgs[1].Timestamp == 0 {
		t.Errorf("ping = %+v, want timestamp set", msgs[1])
	}
}

func TestErrorResult(t *testing.T) {
	res := ErrorResult("boom", "/tmp")
	if res.Status != StatusError {
		t.Errorf("status = %q, want %q", res.Status, StatusError)
	}
	if res.Error != "boom" || res.WorkDir != "/tmp" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.OK() {
		t.Error("OK() = true for error result")
	}
}
