package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

// ErrDetectionInFlight is returned when a detection for the same image is
// already running.
var ErrDetectionInFlight = errors.New("detection already in progress")

// Outcome is delivered once a submitted detection finishes
type Outcome struct {
	ID     string
	Result *Result
	Err    error
}

// Dispatcher runs detections off the caller's goroutine and refuses a second
// request for an image whose detection is still pending.
type Dispatcher struct {
	detector Detector

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher around a detector
func NewDispatcher(detector Detector) *Dispatcher {
	return &Dispatcher{
		detector: detector,
		inFlight: make(map[string]struct{}),
	}
}

// Submit starts a detection for id. The returned channel receives exactly
// one Outcome and is then closed.
func (d *Dispatcher) Submit(ctx context.Context, id string, img image.Image) (<-chan Outcome, error) {
	d.mu.Lock()
	if _, busy := d.inFlight[id]; busy {
		d.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, ErrDetectionInFlight)
	}
	d.inFlight[id] = struct{}{}
	d.mu.Unlock()

	out := make(chan Outcome, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(out)

		res, err := d.run(ctx, img)

		d.mu.Lock()
		delete(d.inFlight, id)
		d.mu.Unlock()

		out <- Outcome{ID: id, Result: res, Err: err}
	}()
	return out, nil
}

// Run is the blocking form of Submit.
func (d *Dispatcher) Run(ctx context.Context, id string, img image.Image) (*Result, error) {
	ch, err := d.Submit(ctx, id, img)
	if err != nil {
		return nil, err
	}
	select {
	case o := <-ch:
		return o.Result, o.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight reports whether a detection for id is pending.
func (d *Dispatcher) InFlight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[id]
	return ok
}

// Wait blocks until every submitted detection has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, img image.Image) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.detector.Detect(ctx, img)
}
