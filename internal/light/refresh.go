package light

import (
	"log/slog"
	"time"
)

// stopper is the part of *time.Timer the refresher needs.
type stopper interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, fn func()) stopper {
	return time.AfterFunc(d, fn)
}

// refresher defers a re-read of the primary value after a change.
//
// Devices that answer a write with a stale report and send the real level
// shortly after are handled by ignoring the first report, re-reading after
// delay and applying the report that answers the re-read.
//
// The timer callback only posts to the light's loop; refreshing and gen are
// touched on the loop alone.
type refresher struct {
	name      string
	delay     time.Duration
	value     Value
	poster    Poster
	afterFunc func(time.Duration, func()) stopper
	logger    *slog.Logger

	timer      stopper
	gen        uint64
	refreshing bool
}

// consumeEcho reports whether the current change answers a re-read, clearing
// the flag when it does.
func (r *refresher) consumeEcho() bool {
	if r.refreshing {
		r.refreshing = false
		return true
	}
	return false
}

// arm cancels any pending refresh and schedules a new one.
func (r *refresher) arm() {
	r.stop()
	r.gen++
	gen := r.gen
	r.timer = r.afterFunc(r.delay, func() {
		if !r.poster.Post(func() { r.fire(gen) }) {
			r.logger.Warn("deferred refresh dropped, loop not accepting work", "light", r.name)
		}
	})
}

func (r *refresher) fire(gen uint64) {
	if gen != r.gen {
		// Re-armed after this timer had already posted.
		return
	}
	r.timer = nil
	r.refreshing = true
	metricRefreshes.WithLabelValues(r.name).Inc()
	r.logger.Debug("refreshing value", "light", r.name, "delay", r.delay)
	if err := r.value.Refresh(); err != nil {
		r.logger.Warn("refresh value", "light", r.name, "err", err)
	}
}

func (r *refresher) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
