// Package fault counts consecutive failures, reports each one to the server
// and escalates to an alert once a streak crosses the threshold.
package fault

import (
	"context"
	"sync"
	"time"

	"screen-player/internal/protocol"

	"github.com/sirupsen/logrus"
)

// Kind classifies a fault.
type Kind string

const (
	Network            Kind = "NETWORK"
	ContentUnavailable Kind = "CONTENT_UNAVAILABLE"
	Playback           Kind = "PLAYBACK"
	AuthFailed         Kind = "AUTH_FAILED"
	Disconnected       Kind = "DISCONNECTED"
	Storage            Kind = "STORAGE"
	PlaylistFetch      Kind = "PLAYLIST_FETCH"
)

// DefaultThreshold is the streak length that triggers an alert.
const DefaultThreshold = 3

// queueSize bounds outgoing reports waiting for delivery.
const queueSize = 64

// Sender delivers reports. Implemented by api.Client.
type Sender interface {
	ReportFault(ctx context.Context, report protocol.FaultReport) error
	SendAlert(ctx context.Context, report protocol.FaultReport) error
}

// Options configure a Reporter.
type Options struct {
	Threshold int
	ScreenID  string
	BootID    string
	Sender    Sender
	// Online reports whether the session is currently registered.
	Online func() bool
	Logger logrus.FieldLogger
	Now    func() time.Time
	// SendTimeout bounds each delivery attempt.
	SendTimeout time.Duration
}

type outgoing struct {
	report protocol.FaultReport
	alert  bool
}

// Reporter is safe for concurrent use. Delivery happens on the goroutine
// running Run, so Report never blocks on the network.
type Reporter struct {
	mu        sync.Mutex
	count     int
	escalated bool

	threshold int
	screenID  string
	bootID    string
	sender    Sender
	online    func() bool
	now       func() time.Time
	timeout   time.Duration
	log       logrus.FieldLogger

	queue     chan outgoing
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Reporter. Call Run to start delivering.
func New(opts Options) *Reporter {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Online == nil {
		opts.Online = func() bool { return false }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Reporter{
		threshold: opts.Threshold,
		screenID:  opts.ScreenID,
		bootID:    opts.BootID,
		sender:    opts.Sender,
		online:    opts.Online,
		now:       opts.Now,
		timeout:   opts.SendTimeout,
		log:       opts.Logger.WithField("component", "fault"),
		queue:     make(chan outgoing, queueSize),
		done:      make(chan struct{}),
	}
}

// Report records a fault. It increments the streak counter, queues the
// report and, the first time the streak reaches the threshold while
// online, queues an alert too. It returns whether an alert was raised.
func (r *Reporter) Report(kind Kind, message string) bool {
	online := r.online()

	r.mu.Lock()
	r.count++
	count := r.count
	alert := count >= r.threshold && online && !r.escalated
	if alert {
		r.escalated = true
	}
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"kind": kind, "count": count}).Warn(message)

	report := protocol.FaultReport{
		ScreenID:     r.screenID,
		ErrorType:    string(kind),
		ErrorMessage: message,
		ErrorCount:   count,
		Timestamp:    r.now().UTC().Format(time.RFC3339),
		BootID:       r.bootID,
	}
	r.enqueue(outgoing{report: report})
	if alert {
		r.log.Errorf("%d consecutive faults, raising alert", count)
		r.enqueue(outgoing{report: report, alert: true})
	}
	return alert
}

func (r *Reporter) enqueue(o outgoing) {
	if r.sender == nil {
		return
	}
	select {
	case <-r.done:
	case r.queue <- o:
	default:
		r.log.Debugf("queue full, dropping %s report", o.report.ErrorType)
	}
}

// Reset clears the streak after a successful registration.
func (r *Reporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count = 0
	r.escalated = false
}

// Count returns the current streak length.
func (r *Reporter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Run delivers queued reports until ctx is cancelled or Close is called.
// Delivery failures are logged and dropped.
func (r *Reporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case o := <-r.queue:
			r.deliver(ctx, o)
		}
	}
}

func (r *Reporter) deliver(ctx context.Context, o outgoing) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	if o.alert {
		err = r.sender.SendAlert(ctx, o.report)
	} else {
		err = r.sender.ReportFault(ctx, o.report)
	}
	if err != nil {
		r.log.Debugf("delivery failed (dropped): %v", err)
	}
}

// Close stops Run. Pending reports are discarded.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}
