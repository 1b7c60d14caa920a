// Package dispatch renders classified events into chat messages and delivers
// them to every resolved destination.
//
// Sends for one event run concurrently and the caller waits for all of them.
// A failure for one destination never affects the others, and nothing is
// retried. Sends are detached from the caller's cancellation so a dropped
// inbound connection does not abort delivery; each send has its own timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/hookrelay/pkg/event"
	"github.com/codeGROOVE-dev/hookrelay/pkg/logger"
	"github.com/codeGROOVE-dev/hookrelay/pkg/metrics"
)

// DefaultTimeout bounds a single send when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// KindBroadcast marks reports produced by Broadcast.
const KindBroadcast event.Kind = "broadcast"

// Sender delivers a text message to one destination.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Result is the outcome of one send.
type Result struct {
	Err         error
	Destination string
	Duration    time.Duration
}

// OK reports whether the send succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Report summarizes the delivery of one message to its destinations.
// Results are in destination order.
type Report struct {
	Timestamp  time.Time
	Repository string
	Kind       event.Kind
	Text       string
	Results    []Result
}

// Delivered returns the number of successful sends.
func (r Report) Delivered() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

// Failed returns the number of failed sends.
func (r Report) Failed() int {
	return len(r.Results) - r.Delivered()
}

// Observer is notified after every completed dispatch.
type Observer func(ctx context.Context, report Report)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-send timeout.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithMetrics records each send in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// WithObserver adds an observer called after each Dispatch.
func WithObserver(o Observer) Option {
	return func(dp *Dispatcher) {
		if o != nil {
			dp.observers = append(dp.observers, o)
		}
	}
}

// Dispatcher delivers messages through a Sender.
type Dispatcher struct {
	sender    Sender
	metrics   *metrics.Metrics
	observers []Observer
	timeout   time.Duration
}

// New creates a Dispatcher sending through sender.
func New(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{sender: sender, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch renders ev and sends it to every destination. It returns once
// all sends have finished.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event, destinations []string) Report {
	report := Report{
		Timestamp:  time.Now(),
		Repository: ev.Repository,
		Kind:       ev.Kind,
		Text:       Format(ev),
	}
	report.Results = d.sendAll(ctx, report.Text, destinations)

	logger.Info(ctx, "dispatch complete", logger.Fields{
		"repository": report.Repository,
		"kind":       string(report.Kind),
		"delivered":  report.Delivered(),
		"failed":     report.Failed(),
	})

	for _, o := range d.observers {
		o(ctx, report)
	}
	return report
}

// Broadcast sends text to every destination, without notifying observers.
func (d *Dispatcher) Broadcast(ctx context.Context, text string, destinations []string) Report {
	report := Report{
		Timestamp: time.Now(),
		Kind:      KindBroadcast,
		Text:      text,
	}
	report.Results = d.sendAll(ctx, text, destinations)

	logger.Info(ctx, "broadcast complete", logger.Fields{
		"delivered": report.Delivered(),
		"failed":    report.Failed(),
	})
	return report
}

func (d *Dispatcher) sendAll(ctx context.Context, text string, destinations []string) []Result {
	// Keep request-scoped values but not its cancellation.
	detached := context.WithoutCancel(ctx)

	results := make([]Result, len(destinations))
	var wg sync.WaitGroup
	for i, dest := range destinations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.send(detached, dest, text)
		}()
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) send(ctx context.Context, destination, text string) (res Result) {
	start := time.Now()
	res.Destination = destination

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("send panicked: %v", r)
		}
		res.Duration = time.Since(start)
		d.metrics.RecordDelivery(res.Duration, res.Err)
		if res.Err != nil {
			logger.Error(ctx, "failed to deliver notification", res.Err, logger.Fields{
				"destination": destination,
				"duration":    res.Duration.String(),
			})
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.sender.SendMessage(sendCtx, destination, text)
	if err != nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("send timed out after %s: %w", d.timeout, err)
	}
	res.Err = err
	return res
}
