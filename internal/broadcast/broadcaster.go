package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"murmur/internal/model"
)

// ErrTooManySubscribers is returned when a job already has the maximum
// number of live subscriptions.
var ErrTooManySubscribers = errors.New("too many subscribers for job")

const (
	defaultBufferSize     = 64
	defaultMaxSubscribers = 16
)

// Event is one progress update for a job. Seq increases by one per
// published event of the same job.
type Event struct {
	JobID     string        `json:"jobId"`
	Seq       int64         `json:"seq"`
	Status    model.Status  `json:"status"`
	Progress  float64       `json:"progress"`
	Timestamp time.Time     `json:"timestamp"`
	Result    *model.Result `json:"result,omitempty"`
	Error     *model.Error  `json:"error,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// EventFromJob builds the event describing the current state of job.
func EventFromJob(job model.Job) Event {
	ev := Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
	}
	if job.Status == model.StatusCompleted && job.Result != nil {
		r := *job.Result
		ev.Result = &r
	}
	if job.Status == model.StatusFailed && job.Error != nil {
		ev.Error = job.Error.Public()
	}
	return ev
}

type Option func(*Broadcaster)

// WithBufferSize bounds the number of undelivered events per subscription.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithMaxSubscribers caps live subscriptions per job.
func WithMaxSubscribers(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.maxSubscribers = n
		}
	}
}

// WithDropHook is called once for every event discarded from a slow
// subscriber's buffer.
func WithDropHook(fn func(jobID string)) Option {
	return func(b *Broadcaster) {
		b.onDrop = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Broadcaster fans job events out to subscribers. Topics are independent:
// publishing to one job never waits on another job's lock, and a slow
// subscriber only ever loses its own non-terminal events.
type Broadcaster struct {
	topics         sync.Map // job id -> *topic
	bufferSize     int
	maxSubscribers int
	onDrop         func(jobID string)
	logger         *slog.Logger
	now            func() time.Time
}

type topic struct {
	mu       sync.Mutex
	jobID    string
	seq      int64
	terminal *Event
	subs     map[*Subscription]struct{}
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		bufferSize:     defaultBufferSize,
		maxSubscribers: defaultMaxSubscribers,
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broadcaster) topic(jobID string) *topic {
	if t, ok := b.topics.Load(jobID); ok {
		return t.(*topic)
	}
	t, _ := b.topics.LoadOrStore(jobID, &topic{
		jobID: jobID,
		subs:  make(map[*Subscription]struct{}),
	})
	return t.(*topic)
}

// Publish assigns the next sequence number to ev and delivers it to every
// subscriber of jobID. Once a terminal event has been published the topic
// is sealed and later events are ignored; ok reports whether ev was
// accepted.
func (b *Broadcaster) Publish(jobID string, ev Event) (Event, bool) {
	t := b.topic(jobID)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminal != nil {
		return *t.terminal, false
	}

	t.seq++
	ev.JobID = jobID
	ev.Seq = t.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	for sub := range t.subs {
		sub.enqueue(ev)
	}
	if ev.Terminal() {
		stored := ev
		t.terminal = &stored
		// Subscribers drain on their own and close after the terminal event.
		t.subs = make(map[*Subscription]struct{})
	}
	return ev, true
}

// Subscribe opens a stream of events for jobID. If the job already
// published its terminal event the stream yields only that event.
func (b *Broadcaster) Subscribe(jobID string) (*Subscription, error) {
	t := b.topic(jobID)

	t.mu.Lock()
	defer t.mu.Unlock()

	sub := newSubscription(b, jobID, b.bufferSize)
	if t.terminal != nil {
		sub.enqueue(*t.terminal)
		go sub.pump()
		return sub, nil
	}
	if len(t.subs) >= b.maxSubscribers {
		return nil, ErrTooManySubscribers
	}
	t.subs[sub] = struct{}{}
	go sub.pump()
	return sub, nil
}

// Unsubscribe detaches sub and closes its channel. It is safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if v, ok := b.topics.Load(sub.jobID); ok {
		t := v.(*topic)
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}
	sub.stop()
}

// Forget drops the topic of jobID and closes any remaining subscriptions.
func (b *Broadcaster) Forget(jobID string) {
	v, ok := b.topics.LoadAndDelete(jobID)
	if !ok {
		return
	}
	t := v.(*topic)
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*Subscription]struct{})
	t.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
}

func (b *Broadcaster) dropped(jobID string, seq int64) {
	b.logger.Debug("broadcast_event_dropped", "job_id", jobID, "seq", seq)
	if b.onDrop != nil {
		b.onDrop(jobID)
	}
}

// Subscription is one consumer's view of a job's event stream.
type Subscription struct {
	jobID string
	owner *Broadcaster

	mu       sync.Mutex
	pending  []Event
	capacity int
	sealed   bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	out      chan Event
}

func newSubscription(owner *Broadcaster, jobID string, capacity int) *Subscription {
	return &Subscription{
		jobID:    jobID,
		owner:    owner,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan Event),
	}
}

// JobID returns the job this subscription follows.
func (s *Subscription) JobID() string { return s.jobID }

// Events returns the delivery channel. It is closed after the terminal
// event, on Unsubscribe, or when the topic is forgotten.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close is shorthand for Unsubscribe.
func (s *Subscription) Close() { s.owner.Unsubscribe(s) }

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return
	}
	var droppedSeq int64 = -1
	if len(s.pending) >= s.capacity {
		// The terminal event is always last and seals the buffer, so the
		// head is never terminal here.
		droppedSeq = s.pending[0].Seq
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, ev)
	if ev.Terminal() {
		s.sealed = true
	}
	s.mu.Unlock()

	if droppedSeq >= 0 {
		s.owner.dropped(s.jobID, droppedSeq)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.pending[0]
		s.pending[0] = Event{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
			if ev.Terminal() {
				return
			}
		case <-s.done:
			return
		}
	}
}
