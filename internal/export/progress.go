package export

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// ProgressSink surfaces poll status to the user
type ProgressSink interface {
	Start(total int)
	Done(r Report)
	Close() error
}

// NopProgress discards progress
type NopProgress struct{}

func (NopProgress) Start(int)    {}
func (NopProgress) Done(Report)  {}
func (NopProgress) Close() error { return nil }

// BarProgress renders a terminal progress bar and prints one line per
// finished task above it.
type BarProgress struct {
	mu  sync.Mutex
	w   io.Writer
	bar *progressbar.ProgressBar
}

// NewBarProgress writes to w, typically os.Stderr
func NewBarProgress(w io.Writer) *BarProgress {
	return &BarProgress{w: w}
}

func (p *BarProgress) Start(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetDescription("exports"),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.w) }),
	)
	_ = p.bar.RenderBlank()
}

func (p *BarProgress) Done(r Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		fmt.Fprintln(p.w, r.String())
		return
	}
	_ = p.bar.Clear()
	fmt.Fprintln(p.w, r.String())
	_ = p.bar.Add(1)
}

func (p *BarProgress) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return nil
	}
	return p.bar.Finish()
}

// LineProgress prints one line per finished task, for non-interactive output
type LineProgress struct {
	W io.Writer
}

func (p LineProgress) Start(total int) {
	fmt.Fprintf(p.W, "waiting on %d export(s)\n", total)
}

func (p LineProgress) Done(r Report) { fmt.Fprintln(p.W, r.String()) }

func (p LineProgress) Close() error { return nil }
