// Package vsockexec is the host to guest-agent protocol. A request is one JSON
// object; an exec request is answered with a stream of frames ending in an
// exit frame.
package vsockexec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const DefaultPort uint32 = 10700

type Op string

const (
	OpExec   Op = "exec"
	OpSignal Op = "signal"
)

// ErrOpNotAllowed is returned for request ops the guest agent does not serve.
var ErrOpNotAllowed = errors.New("operation not allowed")

type Request struct {
	Op        Op       `json:"op"`
	Command   []string `json:"command,omitempty"`
	Dir       string   `json:"dir,omitempty"`
	Env       []string `json:"env,omitempty"`
	FilePaths []string `json:"file_paths,omitempty"`
	// OutputLimit caps each output file the agent reads back.
	OutputLimit int64 `json:"output_limit,omitempty"`
	Signal      int   `json:"signal,omitempty"`
}

type FrameType string

const (
	FrameStdout FrameType = "stdout"
	FrameStderr FrameType = "stderr"
	FrameFile   FrameType = "file"
	FrameExit   FrameType = "exit"
)

type Frame struct {
	Type      FrameType `json:"type"`
	Data      []byte    `json:"data,omitempty"`
	Path      string    `json:"path,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Result is the content of the exit frame.
type Result struct {
	ExitCode int
	Error    string
}

func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return Request{}, err
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) Validate() error {
	switch r.Op {
	case OpExec:
		if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
			return errors.New("missing command executable")
		}
	case OpSignal:
		if r.Signal <= 0 {
			return fmt.Errorf("invalid signal %d", r.Signal)
		}
	default:
		return fmt.Errorf("%w: %q", ErrOpNotAllowed, r.Op)
	}
	return nil
}

func EncodeRequest(w io.Writer, req Request) error {
	return json.NewEncoder(w).Encode(req)
}

func EncodeFrame(w io.Writer, frame Frame) error {
	return json.NewEncoder(w).Encode(frame)
}

// Sink receives the output frames of one exec.
type Sink interface {
	Stdout(p []byte)
	Stderr(p []byte)
	File(path string, data []byte, truncated bool)
}

// ReadFrames feeds frames from r into sink until the exit frame.
func ReadFrames(r io.Reader, sink Sink) (Result, error) {
	dec := json.NewDecoder(r)
	for {
		var frame Frame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return Result{}, io.ErrUnexpectedEOF
			}
			return Result{}, err
		}
		switch frame.Type {
		case FrameStdout:
			sink.Stdout(frame.Data)
		case FrameStderr:
			sink.Stderr(frame.Data)
		case FrameFile:
			sink.File(frame.Path, frame.Data, frame.Truncated)
		case FrameExit:
			return Result{ExitCode: frame.ExitCode, Error: frame.Error}, nil
		default:
			return Result{}, fmt.Errorf("unknown frame type %q", frame.Type)
		}
	}
}
