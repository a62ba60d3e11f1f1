// Package progress renders per-file progress driven by transfer events.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/httptransfer/internal/events"
)

// UI is the surface the CLI drives: subscribe to a controller, then wait
// for all bars to settle after the batch returns.
type UI interface {
	Attach(c *events.Controller)
	Wait()
	Writer() io.Writer
}

// TransferUI manages one mpb progress bar per in-flight file.
type TransferUI struct {
	progress   *mpb.Progress
	bars       sync.Map // events.Asset -> *fileBar
	isTerminal bool
	totalFiles int

	mu    sync.Mutex
	index int
}

type fileBar struct {
	bar       *mpb.Bar
	mu        sync.Mutex
	lastBytes int64
	lastTime  time.Time
}

// NewTransferUI creates a multi-bar UI for the given number of files.
// Without a terminal the bars are disabled and plain lines are printed.
func NewTransferUI(totalFiles int) *TransferUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	var p *mpb.Progress
	if isTerminal {
		enableWindowsANSI(os.Stderr)
		p = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(80),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &TransferUI{
		progress:   p,
		isTerminal: isTerminal,
		totalFiles: totalFiles,
	}
}

// Attach subscribes the UI to a controller's surface events.
func (u *TransferUI) Attach(c *events.Controller) {
	c.On(events.FileStart, func(e events.Event) { u.start(e.Asset) })
	c.On(events.FileProgress, func(e events.Event) { u.update(e.Asset, e.TransferBytes) })
	c.On(events.FileEnd, func(e events.Event) { u.finish(e.Asset, nil) })
	c.On(events.FileError, func(e events.Event) { u.finish(e.Asset, e.Err) })
}

func (u *TransferUI) start(a events.Asset) {
	u.mu.Lock()
	u.index++
	index := u.index
	u.mu.Unlock()

	if !u.isTerminal {
		fmt.Fprintf(os.Stderr, "[%d/%d] %s (%.1f MiB)\n",
			index, u.totalFiles, a.FileName(), float64(a.FileSize())/(1024*1024))
		u.bars.Store(a, &fileBar{lastTime: time.Now()})
		return
	}

	bar := u.progress.New(a.FileSize(),
		mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("[%d/%d] %s", index, u.totalFiles, a.FileName()), decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
		),
		mpb.BarRemoveOnComplete(),
	)
	u.bars.Store(a, &fileBar{bar: bar, lastTime: time.Now()})
}

func (u *TransferUI) update(a events.Asset, transferred int64) {
	v, ok := u.bars.Load(a)
	if !ok {
		return
	}
	fb := v.(*fileBar)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.bar == nil {
		return
	}
	now := time.Now()
	fb.bar.EwmaIncrBy(int(transferred-fb.lastBytes), now.Sub(fb.lastTime))
	fb.lastBytes = transferred
	fb.lastTime = now
}

func (u *TransferUI) finish(a events.Asset, err error) {
	v, ok := u.bars.LoadAndDelete(a)
	if !ok {
		return
	}
	fb := v.(*fileBar)

	fb.mu.Lock()
	if fb.bar != nil {
		if err != nil {
			fb.bar.Abort(true)
		} else {
			fb.bar.SetCurrent(a.FileSize())
		}
	}
	fb.mu.Unlock()

	if err != nil {
		fmt.Fprintf(u.Writer(), "failed: %s: %v\n", a.FileName(), err)
	} else if !u.isTerminal {
		fmt.Fprintf(os.Stderr, "done: %s\n", a.FileName())
	}
}

// Wait blocks until every bar has rendered its final state.
func (u *TransferUI) Wait() {
	if u.isTerminal {
		u.progress.Wait()
	}
}

// Writer returns a writer that renders safely above active bars.
func (u *TransferUI) Writer() io.Writer {
	if u.isTerminal {
		return u.progress
	}
	return os.Stderr
}
