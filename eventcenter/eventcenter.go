package eventcenter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"neptune/logs"
	"neptune/monitor"
)

const (
	TOPIC = "topic"
	DELAY = "delay"
)

type Handler func(event *Event)

// EventCenter fans events out to topic subscribers. Each published event is
// handled on its own goroutine, bounded by the concurrency given to New.
type EventCenter struct {
	eventCh     chan *Event
	subscribers map[string][]Handler
	mu          sync.RWMutex
	ch          chan struct{}

	metrics *monitor.Metrics
	logger  *zap.Logger

	closeOnce sync.Once
	closing   chan struct{}
	loopDone  chan struct{}
	handlers  sync.WaitGroup
}

func New(metrics *monitor.Metrics, logger *zap.Logger, buffer, concurrency int) *EventCenter {
	if buffer <= 0 {
		buffer = 100
	}
	if concurrency <= 0 {
		concurrency = 20
	}
	if metrics == nil {
		metrics = monitor.New(nil)
	}
	e := &EventCenter{
		eventCh:     make(chan *Event, buffer),
		subscribers: make(map[string][]Handler),
		ch:          make(chan struct{}, concurrency),
		metrics:     metrics,
		logger:      logs.OrNop(logger).Named("eventcenter"),
		closing:     make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *EventCenter) Subscribe(topic string, handler Handler) {
	e.metrics.EventSubscribers.With(prometheus.Labels{"topic": topic}).Inc()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers[topic] = append(e.subscribers[topic], handler)
}

// Publish queues event for topic. It returns false once the center is closed.
func (e *EventCenter) Publish(topic string, event *Event) bool {
	if event == nil {
		return false
	}
	event.WithHeader(TOPIC, topic).WithHeader(DELAY, time.Now().Format(time.RFC3339Nano))
	select {
	case <-e.closing:
		return false
	default:
	}
	select {
	case e.eventCh <- event:
		e.metrics.EventPublished.With(prometheus.Labels{"topic": topic}).Inc()
		return true
	case <-e.closing:
		return false
	}
}

// Close stops intake, delivers what is already queued and waits for running handlers.
func (e *EventCenter) Close() {
	e.closeOnce.Do(func() {
		close(e.closing)
		<-e.loopDone
		e.handlers.Wait()
	})
}

func (e *EventCenter) loop() {
	defer close(e.loopDone)
	for {
		select {
		case event := <-e.eventCh:
			e.dispatch(event)
		case <-e.closing:
			for {
				select {
				case event := <-e.eventCh:
					e.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (e *EventCenter) dispatch(event *Event) {
	topic := event.Header[TOPIC]
	e.mu.RLock()
	s := e.subscribers[topic]
	t := make([]Handler, len(s))
	copy(t, s)
	e.mu.RUnlock()
	if len(t) == 0 {
		return
	}

	e.ch <- struct{}{}
	e.metrics.EventGoroutineUsing.Inc()
	e.handlers.Add(1)
	go func() {
		defer e.handlers.Done()
		start := time.Now()
		for _, h := range t {
			e.invoke(topic, h, event)
		}
		<-e.ch
		e.metrics.EventGoroutineUsing.Dec()
		e.metrics.EventConsumed.With(prometheus.Labels{"topic": topic}).Inc()

		end := time.Now()
		e.metrics.EventConsumeDurationsHistogram.
			With(prometheus.Labels{"topic": topic}).
			Observe(end.Sub(start).Seconds())
		if published, err := time.Parse(time.RFC3339Nano, event.Header[DELAY]); err == nil {
			e.metrics.EventDelayDurationsSummary.
				With(prometheus.Labels{"topic": topic}).
				Observe(end.Sub(published).Seconds())
		}
	}()
}

func (e *EventCenter) invoke(topic string, h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panic", zap.String("topic", topic), zap.Any("panic", r))
		}
	}()
	h(event)
}
