package ruaflash

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
)

// Reporter is the observer contract for long-running extraction and
// signing work. Implementations must be safe for use from the worker
// goroutine while the owning loop polls them.
type Reporter interface {
	OnStart(name string, totalBytes uint64)
	OnProgress(name string, current, total uint64)
	OnComplete(name string, total uint64)
	OnWarning(name string, opIdx int, msg string)
	ShouldCancel() bool
}

// PartitionStat aggregates per-partition progress numbers.
type PartitionStat struct {
	TotalBytes uint64
	StartedAt  time.Time
	Elapsed    time.Duration
}

// ConsoleReporter renders a progress bar per partition and keeps
// throughput stats for the final summary.
type ConsoleReporter struct {
	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	stats  map[string]*PartitionStat
	order  []string
	cancel *CancelFlag
}

func NewConsoleReporter(cancel *CancelFlag) *ConsoleReporter {
	return &ConsoleReporter{
		stats:  make(map[string]*PartitionStat),
		cancel: cancel,
	}
}

func (r *ConsoleReporter) OnStart(name string, totalBytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats[name] = &PartitionStat{
		TotalBytes: totalBytes,
		StartedAt:  time.Now(),
	}
	r.order = append(r.order, name)
	r.bar = progressbar.NewOptions64(int64(totalBytes),
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}

func (r *ConsoleReporter) OnProgress(name string, current, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar != nil {
		r.bar.Set64(int64(current))
	}
}

func (r *ConsoleReporter) OnComplete(name string, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stats[name]; ok {
		st.Elapsed = time.Since(st.StartedAt)
	}
	if r.bar != nil {
		r.bar.Finish()
		r.bar = nil
	}
	colorstring.Fprintf(os.Stderr, "[green]>> %s done (%s)\n", name, humanize.Bytes(total))
}

func (r *ConsoleReporter) OnWarning(name string, opIdx int, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	colorstring.Fprintf(os.Stderr, "[yellow]>> [warn] %s op %d: %s\n", name, opIdx, msg)
}

func (r *ConsoleReporter) ShouldCancel() bool {
	return r.cancel != nil && r.cancel.IsSet()
}

func (st *PartitionStat) throughput() float64 {
	if st.Elapsed <= 0 {
		return 0
	}
	return float64(st.TotalBytes) / st.Elapsed.Seconds() / (1024 * 1024)
}

// Summary prints partition count, average throughput, and the best and
// worst partitions by MiB/s.
func (r *ConsoleReporter) Summary() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return
	}
	var totalBytes uint64
	var totalElapsed time.Duration
	var best, worst string
	for _, name := range r.order {
		st := r.stats[name]
		if st.Elapsed == 0 {
			continue
		}
		totalBytes += st.TotalBytes
		totalElapsed += st.Elapsed
		if best == "" || st.throughput() > r.stats[best].throughput() {
			best = name
		}
		if worst == "" || st.throughput() < r.stats[worst].throughput() {
			worst = name
		}
	}
	avg := 0.0
	if totalElapsed > 0 {
		avg = float64(totalBytes) / totalElapsed.Seconds() / (1024 * 1024)
	}
	fmt.Fprintf(os.Stderr, "Partitions: %d, total %s, avg %.2f MiB/s\n",
		len(r.order), humanize.Bytes(totalBytes), avg)
	if best != "" {
		fmt.Fprintf(os.Stderr, "Fastest: %s (%.2f MiB/s), slowest: %s (%.2f MiB/s)\n",
			best, r.stats[best].throughput(), worst, r.stats[worst].throughput())
	}
}

// NopReporter drops every event; used when callers only need the
// extraction result.
type NopReporter struct {
	Cancel *CancelFlag
}

func (NopReporter) OnStart(string, uint64)            {}
func (NopReporter) OnProgress(string, uint64, uint64) {}
func (NopReporter) OnComplete(string, uint64)         {}
func (NopReporter) OnWarning(string, int, string)     {}
func (r NopReporter) ShouldCancel() bool {
	return r.Cancel != nil && r.Cancel.IsSet()
}
