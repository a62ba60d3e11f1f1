package transfer

import (
	"fmt"
	nethttp "net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rescale/httptransfer/internal/events"
)

// eventLog records surface events in emission order.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func collectSurface(e *Engine) *eventLog {
	l := &eventLog{}
	for _, name := range []events.Name{events.FileStart, events.FileProgress, events.FileEnd, events.FileError} {
		name := name
		e.On(name, func(ev events.Event) {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *eventLog) named(name events.Name) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) count(name events.Name) int {
	return len(l.named(name))
}

func (l *eventLog) progressBytes() []int64 {
	var out []int64
	for _, e := range l.named(events.FileProgress) {
		out = append(out, e.TransferBytes)
	}
	return out
}

// assertCounts checks the per-surface-event totals in one shot.
func (l *eventLog) assertCounts(t *testing.T, start, progress, end, fail int) {
	t.Helper()
	if got := l.count(events.FileStart); got != start {
		t.Errorf("filestart events = %d, want %d", got, start)
	}
	if got := l.count(events.FileProgress); got != progress {
		t.Errorf("fileprogress events = %d, want %d", got, progress)
	}
	if got := l.count(events.FileEnd); got != end {
		t.Errorf("fileend events = %d, want %d", got, end)
	}
	if got := l.count(events.FileError); got != fail {
		t.Errorf("fileerror events = %d, want %d", got, fail)
	}
}

// testEngine builds an engine with fast retry backoff for test servers.
func testEngine(t *testing.T, opts *Options) *Engine {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	if opts.RequestOptions.RetryOptions.RetryInitialDelay == 0 {
		opts.RequestOptions.RetryOptions.RetryInitialDelay = time.Millisecond
	}
	if opts.RequestOptions.RetryOptions.RetryMaxDelay == 0 {
		opts.RequestOptions.RetryOptions.RetryMaxDelay = 5 * time.Millisecond
	}
	e, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// parseRange extracts the inclusive bounds of a "bytes=low-high" header.
func parseRange(t *testing.T, header string) (int64, int64) {
	t.Helper()
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		t.Fatalf("malformed Range header %q", header)
	}
	lowStr, highStr, ok := strings.Cut(spec, "-")
	if !ok {
		t.Fatalf("malformed Range header %q", header)
	}
	low, err := strconv.ParseInt(lowStr, 10, 64)
	if err != nil {
		t.Fatalf("malformed Range header %q", header)
	}
	high, err := strconv.ParseInt(highStr, 10, 64)
	if err != nil {
		t.Fatalf("malformed Range header %q", header)
	}
	return low, high
}

// serveRange answers a ranged GET from the given content with an explicit
// Content-Length, the way the transfer pipeline expects repositories to.
func serveRange(t *testing.T, w nethttp.ResponseWriter, r *nethttp.Request, content []byte) {
	t.Helper()
	low, high := parseRange(t, r.Header.Get("Range"))
	if high > int64(len(content))-1 {
		high = int64(len(content)) - 1
	}
	body := content[low : high+1]
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.WriteHeader(nethttp.StatusPartialContent)
	w.Write(body)
}
