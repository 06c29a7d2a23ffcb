package events

import (
	"sync"

	"go.uber.org/zap"
)

// Subscription is one FIFO consumer of the bus.
type Subscription struct {
	bus     *Bus
	name    string
	handler Handler
	kinds   []Kind
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []Event
	busy    bool
	stopped bool
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscription(b *Bus, name string, h Handler, kinds []Kind, logger *zap.Logger) *Subscription {
	return &Subscription{
		bus:     b,
		name:    name,
		handler: h,
		kinds:   kinds,
		logger:  logger.With(zap.String("subscriber", name)),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Name returns the subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

// Depth returns the number of queued events.
func (s *Subscription) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Unsubscribe removes the subscription after delivering what is already queued.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
	s.stop()
}

// Done is closed once the delivery goroutine exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && !s.busy
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	})
	<-s.done
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			<-s.notify
			continue
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.busy = true
		s.mu.Unlock()

		s.deliver(ev)

		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}
}

func (s *Subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked",
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(ev)
}
