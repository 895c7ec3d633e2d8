package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autoflow/internal/metrics"
	"autoflow/internal/models"

	"github.com/sirupsen/logrus"
)

var (
	ErrEventQueueFull  = errors.New("event queue is full")
	ErrEventBusStopped = errors.New("event bus is not running")
)

// EventProcessor consumes domain events.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, evt *DomainEvent) ([]*models.AutomationExecution, error)
}

// EventPublisher accepts domain events for asynchronous processing.
type EventPublisher interface {
	Publish(ctx context.Context, evt *DomainEvent) error
}

// EventBus is a bounded in-process queue in front of an EventProcessor.
// Publish never blocks: a full queue is reported as ErrEventQueueFull.
type EventBus struct {
	processor EventProcessor
	size      int
	workers   int
	timeout   time.Duration
	logger    *logrus.Logger

	mu      sync.RWMutex
	queue   chan *DomainEvent
	running bool
	wg      sync.WaitGroup
}

func NewEventBus(processor EventProcessor, size, workers int, timeout time.Duration, logger *logrus.Logger) *EventBus {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &EventBus{processor: processor, size: size, workers: workers, timeout: timeout, logger: logger}
}

func (b *EventBus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.queue = make(chan *DomainEvent, b.size)
	b.running = true
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(context.WithoutCancel(ctx), b.queue)
	}
	b.logger.Infof("event bus: started with %d workers", b.workers)
}

// Publish validates evt and queues it.
func (b *EventBus) Publish(ctx context.Context, evt *DomainEvent) error {
	if err := evt.Validate(); err != nil {
		return &ValidationError{Field: "event", Message: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return ErrEventBusStopped
	}
	select {
	case b.queue <- evt:
		metrics.EventsPublished.Inc()
		metrics.EventQueueUtilization.Set(float64(len(b.queue)) / float64(cap(b.queue)))
		return nil
	default:
		metrics.EventsDropped.Inc()
		return ErrEventQueueFull
	}
}

// Len reports the number of queued events.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queue)
}

func (b *EventBus) worker(ctx context.Context, queue <-chan *DomainEvent) {
	defer b.wg.Done()
	for evt := range queue {
		metrics.EventQueueUtilization.Set(float64(len(queue)) / float64(cap(queue)))
		b.handle(ctx, evt)
	}
}

func (b *EventBus) handle(ctx context.Context, evt *DomainEvent) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	log := b.logger.WithFields(logrus.Fields{"event_id": evt.EventID, "event_type": evt.EventType})
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("event bus: processing panicked: %v", r)
		}
	}()
	execs, err := b.processor.ProcessEvent(ctx, evt)
	if err != nil {
		log.WithError(err).Error("event bus: processing failed")
		return
	}
	log.WithField("executions", len(execs)).Debug("event bus: event processed")
}

// Stop closes the queue and waits for queued events to be processed,
// bounded by ctx.
func (b *EventBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.queue)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus stop: %w", ctx.Err())
	}
}
