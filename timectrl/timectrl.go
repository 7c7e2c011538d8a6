// Package timectrl drives timestep animation: a cancellable frame loop that
// advances the current timestep and redraws, plus out-of-band redraws for
// interactive view changes.
package timectrl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/dfsu-stream/model"
)

// DefaultInterval is one frame at 60 Hz.
const DefaultInterval = time.Second / 60

// ErrStopped is returned by Interact and Seek after Stop.
var ErrStopped = errors.New("frame driver stopped")

// Mode describes how the driver schedules frames.
type Mode int

const (
	// RealTime advances one timestep per Interval of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as redraws complete.
	Accelerated
)

// Redraw renders one frame of view. Calls never overlap.
type Redraw func(ctx context.Context, view model.ViewState) error

// Options configures a FrameDriver.
type Options struct {
	Interval time.Duration
	Mode     Mode
	// MaxFrames ends Run after this many redraws; zero runs until
	// cancelled or stopped.
	MaxFrames int
}

// FrameDriver owns the ViewState. The frame loop and interactive callers
// both mutate it and redraw; redraws are serialized.
type FrameDriver struct {
	mu     sync.Mutex
	view   model.ViewState
	count  int
	paused bool
	frames int

	drawMu sync.Mutex
	redraw Redraw
	opts   Options

	listeners []func(model.ViewState)

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewFrameDriver constructs a driver with zero timesteps loaded; nothing is
// drawn by the loop until SetTimestepCount.
func NewFrameDriver(redraw Redraw, opts Options) *FrameDriver {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &FrameDriver{
		redraw:  redraw,
		opts:    opts,
		view:    model.ViewState{DepthScale: 1},
		stopped: make(chan struct{}),
	}
}

// SetTimestepCount marks field data as loaded with n timesteps. The current
// timestep wraps into the new range.
func (d *FrameDriver) SetTimestepCount(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 {
		n = 0
	}
	d.count = n
	if n > 0 {
		d.view.CurrentTimestep %= n
	} else {
		d.view.CurrentTimestep = 0
	}
}

// TimestepCount returns the loaded timestep count.
func (d *FrameDriver) TimestepCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// View returns a copy of the current view state.
func (d *FrameDriver) View() model.ViewState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view
}

// Frames returns the number of completed redraws.
func (d *FrameDriver) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// AddListener registers a callback invoked after every redraw.
func (d *FrameDriver) AddListener(fn func(model.ViewState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Pause stops timestep advancement. Interactive redraws still happen.
func (d *FrameDriver) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume restarts timestep advancement.
func (d *FrameDriver) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

// Paused reports whether advancement is paused.
func (d *FrameDriver) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Stop ends Run. It is safe to call more than once.
func (d *FrameDriver) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

// Done is closed by Stop.
func (d *FrameDriver) Done() <-chan struct{} {
	return d.stopped
}

// Interact applies fn to the view state and redraws synchronously. The
// current timestep is left unchanged whatever fn does to it. Until data is
// loaded the change is kept but nothing is drawn.
func (d *FrameDriver) Interact(ctx context.Context, fn func(*model.ViewState)) error {
	if d.isStopped() {
		return ErrStopped
	}
	d.mu.Lock()
	ts := d.view.CurrentTimestep
	fn(&d.view)
	d.view.CurrentTimestep = ts
	loaded := d.count > 0
	d.mu.Unlock()
	if !loaded {
		return nil
	}
	return d.draw(ctx)
}

// Seek jumps to timestep t (wrapped into range) and redraws.
func (d *FrameDriver) Seek(ctx context.Context, t int) error {
	if d.isStopped() {
		return ErrStopped
	}
	d.mu.Lock()
	if d.count == 0 {
		d.mu.Unlock()
		return nil
	}
	d.view.CurrentTimestep = ((t % d.count) + d.count) % d.count
	d.mu.Unlock()
	return d.draw(ctx)
}

// Step advances one timestep and redraws when data is loaded and the driver
// is not paused. It reports whether a frame was drawn.
func (d *FrameDriver) Step(ctx context.Context) (bool, error) {
	d.mu.Lock()
	if d.count == 0 || d.paused {
		d.mu.Unlock()
		return false, nil
	}
	d.view.CurrentTimestep = (d.view.CurrentTimestep + 1) % d.count
	d.mu.Unlock()
	return true, d.draw(ctx)
}

// Run draws the current timestep once data is loaded, then advances on every
// frame until ctx is done, Stop is called, MaxFrames is reached or a redraw
// fails. It returns nil on Stop or MaxFrames and ctx.Err() on cancellation.
func (d *FrameDriver) Run(ctx context.Context) error {
	var ticker *time.Ticker
	if d.opts.Mode == RealTime {
		ticker = time.NewTicker(d.opts.Interval)
		defer ticker.Stop()
	}

	started := false
	for {
		if d.opts.MaxFrames > 0 && d.Frames() >= d.opts.MaxFrames {
			return nil
		}

		drew := false
		switch {
		case !started && d.TimestepCount() > 0:
			started = true
			if err := d.draw(ctx); err != nil {
				return err
			}
			drew = true
		case started:
			var err error
			if drew, err = d.Step(ctx); err != nil {
				return err
			}
		}

		if done, err := d.wait(ctx, ticker, drew); done {
			return err
		}
	}
}

// wait blocks until the next frame is due. It reports true when the loop
// must end.
func (d *FrameDriver) wait(ctx context.Context, ticker *time.Ticker, drew bool) (bool, error) {
	var due <-chan time.Time
	switch {
	case ticker != nil:
		due = ticker.C
	case drew:
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-d.stopped:
			return true, nil
		default:
			return false, nil
		}
	default:
		// Accelerated but idle: poll at Interval instead of spinning.
		t := time.NewTimer(d.opts.Interval)
		defer t.Stop()
		due = t.C
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-d.stopped:
		return true, nil
	case <-due:
		return false, nil
	}
}

func (d *FrameDriver) draw(ctx context.Context) error {
	d.drawMu.Lock()
	defer d.drawMu.Unlock()

	view := d.View()
	if err := d.redraw(ctx, view); err != nil {
		return err
	}

	d.mu.Lock()
	d.frames++
	listeners := append([]func(model.ViewState){}, d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(view)
	}
	return nil
}

func (d *FrameDriver) isStopped() bool {
	select {
	case <-d.stopped:
		return true
	default:
		return false
	}
}
