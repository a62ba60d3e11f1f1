package progress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/rescale/httptransfer/internal/events"
)

// SerialUI renders a single progress bar at a time. Used for serial
// (non-concurrent) transfers where files complete strictly in order.
type SerialUI struct {
	mu   sync.Mutex
	bars map[events.Asset]*progressbar.ProgressBar
}

// NewSerialUI creates a single-bar UI.
func NewSerialUI() *SerialUI {
	return &SerialUI{
		bars: make(map[events.Asset]*progressbar.ProgressBar),
	}
}

// Attach subscribes the UI to a controller's surface events.
func (u *SerialUI) Attach(c *events.Controller) {
	c.On(events.FileStart, func(e events.Event) {
		u.mu.Lock()
		u.bars[e.Asset] = progressbar.DefaultBytes(e.Asset.FileSize(), e.Asset.FileName())
		u.mu.Unlock()
	})
	c.On(events.FileProgress, func(e events.Event) {
		u.mu.Lock()
		if bar, ok := u.bars[e.Asset]; ok {
			bar.Set64(e.TransferBytes)
		}
		u.mu.Unlock()
	})
	c.On(events.FileEnd, func(e events.Event) {
		u.mu.Lock()
		if bar, ok := u.bars[e.Asset]; ok {
			bar.Finish()
			delete(u.bars, e.Asset)
		}
		u.mu.Unlock()
	})
	c.On(events.FileError, func(e events.Event) {
		u.mu.Lock()
		if bar, ok := u.bars[e.Asset]; ok {
			bar.Exit()
			delete(u.bars, e.Asset)
		}
		u.mu.Unlock()
		fmt.Fprintf(os.Stderr, "failed: %s: %v\n", e.Asset.FileName(), e.Err)
	})
}

// Wait is a no-op; serial bars finish with their file.
func (u *SerialUI) Wait() {}

// Writer returns the stream log lines should go to.
func (u *SerialUI) Writer() io.Writer { return os.Stderr }
