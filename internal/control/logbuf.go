package control

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/util"
)

const defaultLogLines = 500

// LogEntry is one captured log line. Level and System are empty when the
// line did not come from a go-log logger.
type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	System string    `json:"system,omitempty"`
	Msg    string    `json:"msg"`
}

// LogBuffer is an io.Writer that splits its input into lines and keeps the
// newest ones for /api/logs.
type LogBuffer struct {
	lines *util.Feed[LogEntry]

	mu      sync.Mutex
	pending []byte
	now     func() time.Time
}

func NewLogBuffer(lines int) *LogBuffer {
	if lines <= 0 {
		lines = defaultLogLines
	}
	return &LogBuffer{lines: util.NewFeed[LogEntry](lines), now: time.Now}
}

// Capture tees every go-log line into b until ctx is done.
func (b *LogBuffer) Capture(ctx context.Context) {
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		<-ctx.Done()
		_ = pipe.Close()
	}()
	go func() { _, _ = io.Copy(b, pipe) }()
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, p...)
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.pending[:i]), "\r")
		b.pending = b.pending[i+1:]
		if strings.TrimSpace(line) != "" {
			b.lines.Publish(parseLogLine(line, b.now()))
		}
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return len(p), nil
}

// parseLogLine splits go-log's plaintext form
// "<time>\t<LEVEL>\t<system>[\t<file:line>]\t<message>".
func parseLogLine(line string, ts time.Time) LogEntry {
	f := strings.SplitN(line, "\t", 5)
	switch {
	case len(f) == 5 && strings.Contains(f[3], ".go:"):
		return LogEntry{TS: ts, Level: f[1], System: f[2], Msg: f[4]}
	case len(f) >= 4:
		return LogEntry{TS: ts, Level: f[1], System: f[2], Msg: strings.Join(f[3:], "\t")}
	}
	return LogEntry{TS: ts, Msg: line}
}

// Snapshot returns the buffered lines, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry { return b.lines.Snapshot() }

// Subscribe streams lines written from now on.
func (b *LogBuffer) Subscribe() (<-chan LogEntry, func()) { return b.lines.Subscribe(64) }

func matchSystem(e LogEntry, system string) bool {
	return system == "" || e.System == system
}

// GET /api/logs?system=call&limit=N
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	system := r.URL.Query().Get("system")
	out := make([]LogEntry, 0, b.lines.Len())
	for _, e := range b.Snapshot() {
		if matchSystem(e, system) {
			out = append(out, e)
		}
	}
	if n := atoiOrNeg(r.URL.Query().Get("limit")); n >= 0 && n < len(out) {
		out = out[len(out)-n:]
	}
	writeJSON(w, out)
}

// GET /api/logs/stream?system=call: new lines only, as SSE "log" events.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)
	flusher.Flush()

	system := r.URL.Query().Get("system")
	ch, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !matchSystem(e, system) {
				continue
			}
			writeSSE(w, "log", e)
			flusher.Flush()
		}
	}
}
