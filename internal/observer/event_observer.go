package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PipelineEvent represents one step of preparing or detecting an image
type PipelineEvent struct {
	EventType      EventType              `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         string                 `json:"source"`
	ProcessingTime time.Duration          `json:"processing_time"`
	Success        bool                   `json:"success"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of pipeline event
type EventType string

const (
	// ImageLoaded when an image is decoded
	ImageLoaded EventType = "image_loaded"
	// ImageLoadFailed when decoding fails
	ImageLoadFailed EventType = "image_load_failed"
	// DecisionRequired when an image exceeds the maximum dimension
	DecisionRequired EventType = "decision_required"
	// ImagePrepared when crop/scale/colour fix-up finished
	ImagePrepared EventType = "image_prepared"
	// PrepareFailed when normalization fails
	PrepareFailed EventType = "prepare_failed"
	// DetectionStarted when an image is sent to the detector
	DetectionStarted EventType = "detection_started"
	// DetectionCompleted when the detector returned a count
	DetectionCompleted EventType = "detection_completed"
	// DetectionFailed when the detector returned an error
	DetectionFailed EventType = "detection_failed"
)

// NewEvent stamps an event with the current time
func NewEvent(t EventType, source string) PipelineEvent {
	return PipelineEvent{EventType: t, Timestamp: time.Now(), Source: source, Success: true}
}

// Failed marks the event as failed with err
func (e PipelineEvent) Failed(err error) PipelineEvent {
	e.Success = false
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// Took sets the processing time since start
func (e PipelineEvent) Took(start time.Time) PipelineEvent {
	e.ProcessingTime = time.Since(start)
	return e
}

// With adds a metadata field
func (e PipelineEvent) With(key string, value interface{}) PipelineEvent {
	md := make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event PipelineEvent)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event PipelineEvent)
}

// LoggingObserver logs pipeline events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles pipeline events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event PipelineEvent) {
	fields := logrus.Fields{
		"event_type":      event.EventType,
		"source":          event.Source,
		"processing_time": event.ProcessingTime,
		"success":         event.Success,
	}

	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}

	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.EventType {
	case ImageLoaded:
		entry.Debug("Image loaded")
	case ImageLoadFailed:
		entry.Error("Image load failed")
	case DecisionRequired:
		entry.Info("Image exceeds maximum dimension")
	case ImagePrepared:
		entry.Info("Image prepared")
	case PrepareFailed:
		entry.Error("Image preparation failed")
	case DetectionStarted:
		entry.Info("Detection started")
	case DetectionCompleted:
		entry.Info("Detection completed")
	case DetectionFailed:
		entry.Error("Detection failed")
	default:
		entry.Info("Pipeline event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver collects counters from pipeline events
type MetricsObserver struct {
	mu                  sync.RWMutex
	loaded              int64
	loadFailures        int64
	prepared            int64
	prepareFailures     int64
	detections          int64
	detectionFailures   int64
	totalDetectionTime  time.Duration
	totalObjectsCounted int64
}

// NewMetricsObserver creates a new metrics observer
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{}
}

// OnEvent handles pipeline events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event PipelineEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.EventType {
	case ImageLoaded:
		o.loaded++
	case ImageLoadFailed:
		o.loadFailures++
	case ImagePrepared:
		o.prepared++
	case PrepareFailed:
		o.prepareFailures++
	case DetectionCompleted:
		o.detections++
		o.totalDetectionTime += event.ProcessingTime
		if n, ok := event.Metadata["count"].(int); ok {
			o.totalObjectsCounted += int64(n)
		}
	case DetectionFailed:
		o.detectionFailures++
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns current metrics
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	avgDetectionTime := time.Duration(0)
	if o.detections > 0 {
		avgDetectionTime = o.totalDetectionTime / time.Duration(o.detections)
	}

	return map[string]interface{}{
		"images_loaded":        o.loaded,
		"load_failures":        o.loadFailures,
		"images_prepared":      o.prepared,
		"prepare_failures":     o.prepareFailures,
		"detections":           o.detections,
		"detection_failures":   o.detectionFailures,
		"objects_counted":      o.totalObjectsCounted,
		"avg_detection_time":   avgDetectionTime,
		"total_detection_time": o.totalDetectionTime,
	}
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{
		observers: make([]Observer, 0),
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers delivers the event to every observer in subscription
// order. A panicking observer is logged and skipped.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event PipelineEvent) {
	if p == nil {
		return
	}
	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("observer", obs.GetObserverName()).
						WithField("panic", r).
						Error("Observer panicked while handling event")
				}
			}()
			obs.OnEvent(ctx, event)
		}()
	}
}
