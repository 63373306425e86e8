package bus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Subscription is a scoped registration on one channel. Messages yields payloads in
// delivery order and is closed once the subscription is released or the backend
// stops delivering.
type Subscription struct {
	channel string
	out     chan []byte
	done    chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc
	release func() error

	closeOnce sync.Once
	closeErr  error
}

// newSubscription starts forwarding from a watermill message channel. Each message
// is copied and acknowledged as soon as it is queued, so a slow consumer never holds
// up the backend's delivery goroutine; the queue between the two is unbounded.
func newSubscription(channel string, in <-chan *message.Message, cancel context.CancelFunc, release func() error) *Subscription {
	s := &Subscription{
		channel: channel,
		out:     make(chan []byte),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		cancel:  cancel,
		release: release,
	}
	go s.forward(in)
	return s
}

func (s *Subscription) Channel() string { return s.channel }

func (s *Subscription) Messages() <-chan []byte { return s.out }

func (s *Subscription) forward(in <-chan *message.Message) {
	defer close(s.stopped)
	defer close(s.out)

	var queue [][]byte
	for {
		if in == nil && len(queue) == 0 {
			return
		}
		var out chan<- []byte
		var next []byte
		if len(queue) > 0 {
			out = s.out
			next = queue[0]
		}
		select {
		case msg, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, append([]byte(nil), msg.Payload...))
			msg.Ack()
		case out <- next:
			queue[0] = nil
			queue = queue[1:]
		case <-s.done:
			return
		}
	}
}

// Close releases the backend registration. It is safe to call more than once.
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		<-s.stopped
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}
