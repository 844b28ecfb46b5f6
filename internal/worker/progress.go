package worker

import (
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// progressReporter prints the stdout lines parsed by the queue manager,
// throttled to one line per interval.
type progressReporter struct {
	mu        sync.Mutex
	out       io.Writer
	total     int64
	done      int64
	sometimes rate.Sometimes
}

func newProgressReporter(out io.Writer, total int64, interval time.Duration) *progressReporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &progressReporter{
		out:       out,
		total:     total,
		sometimes: rate.Sometimes{Interval: interval},
	}
}

// Write counts bytes so the reporter can sit behind an io.TeeReader.
func (p *progressReporter) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.done += int64(len(b))
	p.mu.Unlock()
	p.sometimes.Do(p.emit)
	return len(b), nil
}

// Finish prints a final line regardless of throttling.
func (p *progressReporter) Finish() {
	p.emit()
}

func (p *progressReporter) emit() {
	p.mu.Lock()
	done, total := p.done, p.total
	p.mu.Unlock()

	if total > 0 {
		pct := done * 100 / total
		if pct > 100 {
			pct = 100
		}
		fmt.Fprintf(p.out, "Progress: %d%%\n", pct)
		return
	}
	fmt.Fprintf(p.out, "Downloaded: %d bytes\n", done)
}
