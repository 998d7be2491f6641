package limits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// IngestGuard enforces static limits on upstream event consumption.
//
// Philosophy (unchanged from the connection-layer resource guard):
//   - Static configuration (predictable behavior)
//   - Rate limiting (prevent work overload)
//   - Safety valves (emergency brakes)
//
// The guard does two things:
//  1. Token-bucket limits the upstream message rate (golang.org/x/time/rate;
//     token bucket is the right shape here: bursts are fine, sustained
//     overload is not).
//  2. Pauses consumption entirely while host CPU is above the configured
//     threshold, resuming when it drops back.
type IngestGuard struct {
	limiter  *rate.Limiter
	cpuPause float64 // Pause consumption above this CPU %
	logger   zerolog.Logger

	currentCPU atomic.Value // float64
	paused     int32        // Atomic flag: 1 = paused
}

// NewIngestGuard creates a guard limiting consumption to maxRate messages/sec
// (burst 2× for traffic spikes) with a CPU pause threshold in percent.
func NewIngestGuard(maxRate int, cpuPause float64, logger zerolog.Logger) *IngestGuard {
	g := &IngestGuard{
		limiter:  rate.NewLimiter(rate.Limit(maxRate), maxRate*2),
		cpuPause: cpuPause,
		logger:   logger.With().Str("component", "ingest_guard").Logger(),
	}
	g.currentCPU.Store(0.0)
	return g
}

// AllowMessage reports whether one upstream message may be processed now.
// Non-blocking: a denied message should be counted as dropped, not queued.
func (g *IngestGuard) AllowMessage() bool {
	if g.ShouldPause() {
		return false
	}
	return g.limiter.Allow()
}

// ShouldPause reports whether consumption is currently paused by the CPU brake.
func (g *IngestGuard) ShouldPause() bool {
	return atomic.LoadInt32(&g.paused) == 1
}

// CurrentCPU returns the last sampled CPU percentage.
func (g *IngestGuard) CurrentCPU() float64 {
	return g.currentCPU.Load().(float64)
}

// StartMonitoring samples CPU usage on the given interval until ctx is done.
// Pause state transitions are logged once per flip, not per sample.
func (g *IngestGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sample()
			}
		}
	}()
}

func (g *IngestGuard) sample() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		g.logger.Debug().Err(err).Msg("CPU sample failed")
		return
	}
	current := percents[0]
	g.currentCPU.Store(current)

	if current >= g.cpuPause {
		if atomic.CompareAndSwapInt32(&g.paused, 0, 1) {
			g.logger.Warn().
				Float64("cpu_percent", current).
				Float64("pause_threshold", g.cpuPause).
				Msg("CPU above threshold, pausing upstream consumption")
		}
	} else {
		if atomic.CompareAndSwapInt32(&g.paused, 1, 0) {
			g.logger.Info().
				Float64("cpu_percent", current).
				Msg("CPU recovered, resuming upstream consumption")
		}
	}
}
