package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	appconfig "collectorflow/config"
	"collectorflow/internal/breaker"
	"collectorflow/internal/metrics"
	"collectorflow/internal/models"
	"collectorflow/logger"
)

// EventType tags the payload of a published event.
type EventType string

const (
	EventOutcome  EventType = "outcome"
	EventBackfill EventType = "backfill"
	EventCircuit  EventType = "circuit"
)

// Event is the JSON envelope written to Kafka. The message key is the
// collector name so a collector's events stay ordered within a partition.
type Event struct {
	ID        string                    `json:"id"`
	Type      EventType                 `json:"type"`
	Collector string                    `json:"collector"`
	EmittedAt time.Time                 `json:"emitted_at"`
	Outcome   *models.CollectionOutcome `json:"outcome,omitempty"`
	Backfill  *models.BackfillSummary   `json:"backfill,omitempty"`
	Circuit   *CircuitChange            `json:"circuit,omitempty"`
}

type CircuitChange struct {
	From breaker.State `json:"from"`
	To   breaker.State `json:"to"`
	At   time.Time     `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OutcomePublisher forwards runtime events to Kafka. Observer callbacks only
// enqueue; a single worker writes. When the buffer is full events are
// dropped and counted rather than blocking the runtime.
type OutcomePublisher struct {
	writer messageWriter
	events chan Event
	log    *logger.Log

	mu      sync.Mutex
	running bool
	closed  bool
	wg      sync.WaitGroup
	stats   metrics.WriterStats
}

func NewOutcomePublisher(cfg appconfig.KafkaConfig) (*OutcomePublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	p := newOutcomePublisher(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
	}, cfg.BufferSize)
	p.log.WithComponent("outcome_publisher").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("outcome publisher initialized")
	return p, nil
}

func newOutcomePublisher(w messageWriter, buffer int) *OutcomePublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &OutcomePublisher{
		writer: w,
		events: make(chan Event, buffer),
		log:    logger.GetLogger(),
	}
}

func (p *OutcomePublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("outcome publisher already running")
	}
	p.running = true
	p.wg.Add(1)
	go p.run(context.WithoutCancel(ctx))
	p.log.WithComponent("outcome_publisher").Debug("starting outcome publisher")
	return nil
}

// run drains the buffer until Stop closes it.
func (p *OutcomePublisher) run(ctx context.Context) {
	defer p.wg.Done()
	log := p.log.WithComponent("outcome_publisher")
	for evt := range p.events {
		data, err := json.Marshal(evt)
		if err != nil {
			log.WithError(err).Warn("failed to marshal event")
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = p.writer.WriteMessages(writeCtx, kafka.Message{
			Key:   []byte(evt.Collector),
			Value: data,
			Time:  evt.EmittedAt,
		})
		cancel()

		p.mu.Lock()
		if err != nil {
			p.stats.ErrorsCount++
		} else {
			p.stats.BatchesWritten++
			p.stats.BytesWritten += int64(len(data))
		}
		p.mu.Unlock()

		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"collector": evt.Collector, "type": string(evt.Type)}).Warn("failed to write event")
			continue
		}
		log.WithFields(logger.Fields{"event_id": evt.ID, "type": string(evt.Type)}).Debug("event written to kafka")
	}
}

// Stop flushes buffered events and closes the Kafka writer.
func (p *OutcomePublisher) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	running := p.running
	close(p.events)
	p.mu.Unlock()

	if running {
		p.wg.Wait()
	}
	if err := p.writer.Close(); err != nil {
		p.log.WithComponent("outcome_publisher").WithError(err).Warn("failed to close kafka writer")
	}
	metrics.ReportWriter(p.log, "outcome_publisher", p.Stats())
	p.log.WithComponent("outcome_publisher").Debug("outcome publisher stopped")
}

func (p *OutcomePublisher) Stats() metrics.WriterStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.BufferLen = len(p.events)
	s.BufferCap = cap(p.events)
	return s
}

func (p *OutcomePublisher) enqueue(evt Event) {
	evt.ID = uuid.NewString()
	evt.EmittedAt = time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- evt:
	default:
		p.stats.Dropped++
		go metrics.EmitDropMetric(p.log, metrics.DropMetricOutcomeEvent, evt.Collector, string(evt.Type))
	}
}

func (p *OutcomePublisher) OnOutcome(collector string, o models.CollectionOutcome) {
	p.enqueue(Event{Type: EventOutcome, Collector: collector, Outcome: &o})
}

func (p *OutcomePublisher) OnBackfill(collector string, s models.BackfillSummary) {
	p.enqueue(Event{Type: EventBackfill, Collector: collector, Backfill: &s})
}

func (p *OutcomePublisher) OnCircuitChange(collector string, t breaker.Transition) {
	p.enqueue(Event{Type: EventCircuit, Collector: collector, Circuit: &CircuitChange{From: t.From, To: t.To, At: t.At}})
}
