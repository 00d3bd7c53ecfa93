package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTickScored       EventType = "TICK_SCORED"
	EventSignalEmitted    EventType = "SIGNAL_EMITTED"
	EventSignalSuppressed EventType = "SIGNAL_SUPPRESSED"
	EventBasketFired      EventType = "BASKET_FIRED"
	EventOrderSubmitted   EventType = "ORDER_SUBMITTED"
	EventOrderFilled      EventType = "ORDER_FILLED"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventOrderDuplicate   EventType = "ORDER_DUPLICATE"
	EventOrderQueued      EventType = "ORDER_QUEUED"
	EventKillSwitch       EventType = "KILL_SWITCH"
	EventRiskWarning      EventType = "RISK_WARNING"
	EventEODFlatten       EventType = "EOD_FLATTEN"
	EventFilingDetected   EventType = "FILING_DETECTED"
	EventRegimeChanged    EventType = "REGIME_CHANGED"
	EventBotStarted       EventType = "BOT_STARTED"
	EventBotStopped       EventType = "BOT_STOPPED"
	EventError            EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a signal emitted event
func (eb *EventBus) PublishSignal(signalID, symbol, side, source string, score, confidence float64) {
	eb.Publish(Event{
		Type: EventSignalEmitted,
		Data: map[string]interface{}{
			"signal_id":  signalID,
			"symbol":     symbol,
			"side":       side,
			"source":     source,
			"score":      score,
			"confidence": confidence,
		},
	})
}

// PublishSuppressed publishes a suppression event with its reason tag
func (eb *EventBus) PublishSuppressed(symbol, side, reason string, score float64) {
	eb.Publish(Event{
		Type: EventSignalSuppressed,
		Data: map[string]interface{}{
			"symbol": symbol,
			"side":   side,
			"reason": reason,
			"score":  score,
		},
	})
}

// PublishBasketFired publishes a basket aggregate trigger
func (eb *EventBus) PublishBasketFired(basket, etf string, meanScore, negFraction float64, tickers int) {
	eb.Publish(Event{
		Type: EventBasketFired,
		Data: map[string]interface{}{
			"basket":       basket,
			"etf":          etf,
			"mean_score":   meanScore,
			"neg_fraction": negFraction,
			"tickers":      tickers,
		},
	})
}

// PublishOrder publishes an order lifecycle event
func (eb *EventBus) PublishOrder(eventType EventType, orderID, symbol, side, status, idemKey string, qty float64) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"order_id":        orderID,
			"symbol":          symbol,
			"side":            side,
			"status":          status,
			"idempotency_key": idemKey,
			"qty":             qty,
		},
	})
}

// PublishKillSwitch publishes a kill switch trip
func (eb *EventBus) PublishKillSwitch(dayPnL, limit float64) {
	eb.Publish(Event{
		Type: EventKillSwitch,
		Data: map[string]interface{}{
			"day_pnl": dayPnL,
			"limit":   limit,
		},
	})
}

// PublishRiskWarning publishes a daily-loss warning
func (eb *EventBus) PublishRiskWarning(dayPnL, limit, fraction float64) {
	eb.Publish(Event{
		Type: EventRiskWarning,
		Data: map[string]interface{}{
			"day_pnl":  dayPnL,
			"limit":    limit,
			"fraction": fraction,
		},
	})
}

// PublishFiling publishes an EDGAR filing detection
func (eb *EventBus) PublishFiling(symbol, form, accession string, filedAt time.Time) {
	eb.Publish(Event{
		Type: EventFilingDetected,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"form":      form,
			"accession": accession,
			"filed_at":  filedAt,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
