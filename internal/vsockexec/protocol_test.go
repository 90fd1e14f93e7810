package vsockexec

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeRequestPreservesCommandArgumentWhitespace(t *testing.T) {
	t.Parallel()

	raw := `{"op":"exec","command":["head","-c","10","--","/var/bench/result.txt "]}`
	req, err := DecodeRequest(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeRequest returned error: %v", err)
	}
	if got, want := req.Command[4], "/var/bench/result.txt "; got != want {
		t.Fatalf("unexpected command arg: got %q want %q", got, want)
	}
}

func TestDecodeRequestValidatesOps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		notAllowed bool
		ok         bool
	}{
		{name: "exec", raw: `{"op":"exec","command":["/bench"]}`, ok: true},
		{name: "blank executable", raw: `{"op":"exec","command":["   ","echo"]}`},
		{name: "signal", raw: `{"op":"signal","signal":15}`, ok: true},
		{name: "signal without number", raw: `{"op":"signal"}`},
		{name: "missing op", raw: `{"command":["/bench"]}`, notAllowed: true},
		{name: "mount", raw: `{"op":"mount","command":["/dev/sda"]}`, notAllowed: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeRequest(strings.NewReader(tc.raw))
			if tc.ok {
				if err != nil {
					t.Fatalf("DecodeRequest returned error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, ErrOpNotAllowed); got != tc.notAllowed {
				t.Fatalf("unexpected ErrOpNotAllowed match: got %v want %v (%v)", got, tc.notAllowed, err)
			}
		})
	}
}

type recordingSink struct {
	stdout, stderr bytes.Buffer
	files          map[string]string
	truncated      []string
}

func (s *recordingSink) Stdout(p []byte) { s.stdout.Write(p) }
func (s *recordingSink) Stderr(p []byte) { s.stderr.Write(p) }
func (s *recordingSink) File(path string, data []byte, truncated bool) {
	if s.files == nil {
		s.files = map[string]string{}
	}
	s.files[path] = string(data)
	if truncated {
		s.truncated = append(s.truncated, path)
	}
}

func TestReadFramesCollectsUntilExit(t *testing.T) {
	t.Parallel()

	var wire bytes.Buffer
	for _, f := range []Frame{
		{Type: FrameStdout, Data: []byte("12.")},
		{Type: FrameStderr, Data: []byte("warming up\n")},
		{Type: FrameStdout, Data: []byte("5\n")},
		{Type: FrameFile, Path: "/tmp/result.json", Data: []byte(`{"ns":12}`), Truncated: true},
		{Type: FrameExit, ExitCode: 3},
		{Type: FrameStdout, Data: []byte("after exit")},
	} {
		if err := EncodeFrame(&wire, f); err != nil {
			t.Fatalf("EncodeFrame returned error: %v", err)
		}
	}

	sink := &recordingSink{}
	res, err := ReadFrames(&wire, sink)
	if err != nil {
		t.Fatalf("ReadFrames returned error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("unexpected exit code: got %d want 3", res.ExitCode)
	}
	if got, want := sink.stdout.String(), "12.5\n"; got != want {
		t.Fatalf("unexpected stdout: got %q want %q", got, want)
	}
	if got, want := sink.stderr.String(), "warming up\n"; got != want {
		t.Fatalf("unexpected stderr: got %q want %q", got, want)
	}
	if got := sink.files["/tmp/result.json"]; got != `{"ns":12}` {
		t.Fatalf("unexpected file content: %q", got)
	}
	if len(sink.truncated) != 1 {
		t.Fatalf("expected the file to be marked truncated, got %v", sink.truncated)
	}
}

func TestReadFramesWithoutExitIsUnexpectedEOF(t *testing.T) {
	t.Parallel()

	var wire bytes.Buffer
	_ = EncodeFrame(&wire, Frame{Type: FrameStdout, Data: []byte("partial")})

	sink := &recordingSink{}
	_, err := ReadFrames(&wire, sink)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
	if sink.stdout.String() != "partial" {
		t.Fatalf("expected partial output to reach the sink, got %q", sink.stdout.String())
	}
}
