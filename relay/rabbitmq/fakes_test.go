//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

type declaredExchange struct {
	name    string
	kind    string
	durable bool
}

type declaredQueue struct {
	name string
	args amqp.Table
}

type queueBinding struct {
	queue    string
	key      string
	exchange string
}

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel is an in-memory Channel. With confirm mode on, every publish
// is confirmed immediately unless autoConfirm is false.
type fakeChannel struct {
	mu sync.Mutex

	exchanges []declaredExchange
	queues    []declaredQueue
	bindings  []queueBinding
	published []publishCall

	confirmMode bool
	autoConfirm bool
	nackNext    bool
	deliveryTag uint64
	confirms    chan amqp.Confirmation
	closeNotify []chan *amqp.Error

	prefetch    int
	consumerTag string
	deliveries  chan amqp.Delivery
	cancelled   bool

	closed bool

	confirmErr  error
	publishErr  error
	declareErr  error
	passiveErr  error
	qosErr      error
	consumeErr  error
	passiveName string
}

var _ Channel = (*fakeChannel)(nil)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{autoConfirm: true, deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.declareErr != nil {
		return f.declareErr
	}

	f.exchanges = append(f.exchanges, declaredExchange{name: name, kind: kind, durable: durable})

	return nil
}

func (f *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.passiveName = name

	return f.passiveErr
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.declareErr != nil {
		return amqp.Queue{}, f.declareErr
	}

	f.queues = append(f.queues, declaredQueue{name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.bindings = append(f.bindings, queueBinding{queue: name, key: key, exchange: exchange})

	return nil
}

func (f *fakeChannel) Confirm(bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.confirmErr != nil {
		return f.confirmErr
	}

	f.confirmMode = true

	return nil
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.confirms = confirm

	return confirm
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeNotify = append(f.closeNotify, c)

	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return amqp.ErrClosed
	}

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, publishCall{exchange: exchange, key: key, msg: msg})
	f.deliveryTag++

	if f.confirmMode && f.autoConfirm && f.confirms != nil {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.deliveryTag, Ack: !f.nackNext}
		f.nackNext = false
	}

	return nil
}

func (f *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prefetch = prefetchCount

	return f.qosErr
}

func (f *fakeChannel) Consume(_ string, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeErr != nil {
		return nil, f.consumeErr
	}

	f.consumerTag = consumer

	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = true

	return nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return amqp.ErrClosed
	}

	f.closed = true

	for _, c := range f.closeNotify {
		close(c)
	}

	f.closeNotify = nil

	return nil
}

// breakWith simulates the broker closing the channel.
func (f *fakeChannel) breakWith(amqpErr *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	for _, c := range f.closeNotify {
		c <- amqpErr
	}
}

func (f *fakeChannel) publishedCalls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]publishCall(nil), f.published...)
}

// fakeSource hands out channels from a queue, then fresh ones.
type fakeSource struct {
	mu       sync.Mutex
	channels []*fakeChannel
	errs     []error
	opened   []*fakeChannel
	calls    atomic.Int32
}

func (s *fakeSource) Channel(context.Context) (Channel, error) {
	s.calls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]

		if err != nil {
			return nil, err
		}
	}

	var ch *fakeChannel
	if len(s.channels) > 0 {
		ch = s.channels[0]
		s.channels = s.channels[1:]
	} else {
		ch = newFakeChannel()
	}

	s.opened = append(s.opened, ch)

	return ch, nil
}

func (s *fakeSource) openedChannels() []*fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*fakeChannel(nil), s.opened...)
}

type ackCall struct {
	tag      uint64
	ack      bool
	requeue  bool
	multiple bool
}

// fakeAcknowledger records how deliveries were settled.
type fakeAcknowledger struct {
	mu    sync.Mutex
	calls []ackCall
	err   error
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, ackCall{tag: tag, ack: true, multiple: multiple})

	return a.err
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls = append(a.calls, ackCall{tag: tag, requeue: requeue, multiple: multiple})

	return a.err
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) settled() []ackCall {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]ackCall(nil), a.calls...)
}

var errBoom = errors.New("boom")
