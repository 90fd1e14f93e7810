package sandbox

import (
	"slices"
	"sync"

	"github.com/buildkite/benchroom/internal/jobs"
)

const DefaultOutputLimit int64 = 10 << 20

// boundedBuffer keeps at most limit bytes and remembers whether anything was
// dropped.
type boundedBuffer struct {
	limit     int64
	buf       []byte
	truncated bool
}

func (b *boundedBuffer) write(p []byte) {
	room := b.limit - int64(len(b.buf))
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return
	}
	if int64(len(p)) > room {
		p = p[:room]
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
}

// capture collects one iteration's output. It is written by the exec
// goroutine and read by the supervisor after a timeout, so every access
// holds mu.
type capture struct {
	mu        sync.Mutex
	limit     int64
	stdout    boundedBuffer
	stderr    boundedBuffer
	files     map[string]string
	truncated []string
}

func newCapture(limit int64) *capture {
	return &capture{
		limit:  limit,
		stdout: boundedBuffer{limit: limit},
		stderr: boundedBuffer{limit: limit},
	}
}

func (c *capture) Stdout(p []byte) {
	c.mu.Lock()
	c.stdout.write(p)
	c.mu.Unlock()
}

func (c *capture) Stderr(p []byte) {
	c.mu.Lock()
	c.stderr.write(p)
	c.mu.Unlock()
}

func (c *capture) File(path string, data []byte, truncated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.files == nil {
		c.files = map[string]string{}
	}
	if int64(len(data)) > c.limit {
		data = data[:c.limit]
		truncated = true
	}
	c.files[path] = string(data)
	if truncated && !slices.Contains(c.truncated, path) {
		c.truncated = append(c.truncated, path)
	}
}

// output snapshots what has been captured so far.
func (c *capture) output(exitCode int) jobs.IterationOutput {
	c.mu.Lock()
	defer c.mu.Unlock()

	stdout := string(c.stdout.buf)
	stderr := string(c.stderr.buf)
	out := jobs.IterationOutput{
		ExitCode: exitCode,
		Stdout:   &stdout,
		Stderr:   &stderr,
	}
	if len(c.files) > 0 {
		out.Output = make(map[string]string, len(c.files))
		for path, data := range c.files {
			out.Output[path] = data
		}
	}
	if c.stdout.truncated {
		out.Truncated = append(out.Truncated, "stdout")
	}
	if c.stderr.truncated {
		out.Truncated = append(out.Truncated, "stderr")
	}
	out.Truncated = append(out.Truncated, c.truncated...)
	return out
}
