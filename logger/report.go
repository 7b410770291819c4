package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorCount sync.Map // map[string]*int64, keyed by component
	warnCount  sync.Map // map[string]*int64, keyed by component
	channels   sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	v, _ := warnCount.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) {
	v, _ := errorCount.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// RecordChannelMessage accumulates per-channel message and byte counters for
// the periodic report.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fields := Fields{
		"goroutines":    runtime.NumGoroutine(),
		"heap_alloc_mb": float64(memStats.HeapAlloc) / 1024 / 1024,
	}

	warnCount.Range(func(k, v any) bool {
		fields["warns_"+k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	errorCount.Range(func(k, v any) bool {
		fields["errors_"+k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		fields["channel_"+k.(string)+"_messages"] = atomic.LoadInt64(&cs.messages)
		fields["channel_"+k.(string)+"_bytes"] = atomic.LoadInt64(&cs.bytes)
		return true
	})

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
