package profiler

import (
	"runtime"
	"time"

	"github.com/Carmen-Shannon/oxy-rt/common"
	"github.com/Carmen-Shannon/oxy-rt/engine/device"
)

const bytesPerMB = 1024 * 1024

// Profiler tracks frame rate, ray throughput and memory statistics for performance monitoring.
// Outputs a structured log record at a configurable interval.
type Profiler struct {
	frameCount     int
	lastTime       time.Time
	updateInterval time.Duration
	memStats       runtime.MemStats
	lastGCCount    uint32
	lastTotalAlloc uint64
	lastRays       uint64
	lastUpdates    uint64

	last Sample
}

// Sample is the set of figures computed by the most recent logging Tick.
type Sample struct {
	FPS              float64
	RaysPerSecond    float64
	RefitsPerSecond  float64
	DeviceMemoryMB   float64
	DevicePeakMB     float64
	Structures       int
	HeapMB           float64
	AllocRateMB      float64
	GCCount          uint32
	LastGCPauseMicro uint64
	MaxGCPauseMicro  uint64
}

// ProfilerOption configures a Profiler during NewProfiler.
type ProfilerOption func(*Profiler)

// WithUpdateInterval sets how often Tick logs. Defaults to 1 second.
//
// Parameters:
//   - d: the logging interval
//
// Returns:
//   - ProfilerOption: a function that applies the interval option to a Profiler
func WithUpdateInterval(d time.Duration) ProfilerOption {
	return func(p *Profiler) {
		p.updateInterval = d
	}
}

// NewProfiler creates a new Profiler.
//
// Parameters:
//   - options: variadic list of ProfilerOption functions
//
// Returns:
//   - *Profiler: the newly created profiler instance
func NewProfiler(options ...ProfilerOption) *Profiler {
	p := &Profiler{
		lastTime:       time.Now(),
		updateInterval: time.Second,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Tick should be called once per frame with the device statistics sampled after the frame's submission.
// Logs performance statistics when the update interval has elapsed.
//
// Parameters:
//   - stats: the device counters after the frame
//
// Returns:
//   - bool: true if stats were logged this tick, false otherwise
func (p *Profiler) Tick(stats device.Stats) bool {
	p.frameCount++
	currentTime := time.Now()
	elapsed := currentTime.Sub(p.lastTime)
	if elapsed < p.updateInterval {
		return false
	}
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1e-9
	}

	runtime.ReadMemStats(&p.memStats)

	// TotalAlloc only grows, so the delta is the allocation churn since the last log.
	allocDelta := p.memStats.TotalAlloc - p.lastTotalAlloc

	gcCount := p.memStats.NumGC
	var lastPauseUs, maxPauseUs uint64
	if gcCount > 0 {
		// PauseNs is a circular buffer of the last 256 pauses.
		lastPauseUs = p.memStats.PauseNs[(gcCount-1)%256] / 1000
		startIdx := p.lastGCCount
		if gcCount-startIdx > 256 {
			startIdx = gcCount - 256
		}
		for i := startIdx; i < gcCount; i++ {
			maxPauseUs = max(maxPauseUs, p.memStats.PauseNs[i%256]/1000)
		}
	}

	p.last = Sample{
		FPS:              float64(p.frameCount) / seconds,
		RaysPerSecond:    float64(stats.RaysLaunched-p.lastRays) / seconds,
		RefitsPerSecond:  float64(stats.StructuresUpdated-p.lastUpdates) / seconds,
		DeviceMemoryMB:   float64(stats.MemoryUsed) / bytesPerMB,
		DevicePeakMB:     float64(stats.MemoryPeak) / bytesPerMB,
		Structures:       stats.Structures,
		HeapMB:           float64(p.memStats.Alloc) / bytesPerMB,
		AllocRateMB:      float64(allocDelta) / bytesPerMB / seconds,
		GCCount:          gcCount,
		LastGCPauseMicro: lastPauseUs,
		MaxGCPauseMicro:  maxPauseUs,
	}

	common.Logger().Info("profiler",
		"fps", p.last.FPS,
		"rays_per_sec", p.last.RaysPerSecond,
		"refits_per_sec", p.last.RefitsPerSecond,
		"structures", p.last.Structures,
		"device_mb", p.last.DeviceMemoryMB,
		"device_peak_mb", p.last.DevicePeakMB,
		"heap_mb", p.last.HeapMB,
		"alloc_rate_mb", p.last.AllocRateMB,
		"gc", gcCount,
		"gc_last_us", lastPauseUs,
		"gc_max_us", maxPauseUs,
	)

	p.frameCount = 0
	p.lastTime = currentTime
	p.lastGCCount = gcCount
	p.lastTotalAlloc = p.memStats.TotalAlloc
	p.lastRays = stats.RaysLaunched
	p.lastUpdates = stats.StructuresUpdated
	return true
}

// Last returns the figures computed by the most recent logging Tick.
func (p *Profiler) Last() Sample {
	return p.last
}
