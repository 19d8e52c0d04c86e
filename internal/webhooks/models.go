package webhooks

import (
	"time"
)

// Known event types. Endpoint subscriptions are validated against this
// vocabulary at registration time.
const (
	EventPitchCreated       = "pitch.created"
	EventPitchUpdated       = "pitch.updated"
	EventPitchPublished     = "pitch.published"
	EventPitchViewed        = "pitch.viewed"
	EventNDARequested       = "nda.requested"
	EventNDASigned          = "nda.signed"
	EventNDARejected        = "nda.rejected"
	EventInvestmentCreated  = "investment.created"
	EventInvestmentReceived = "investment.received"
	EventMessageReceived    = "message.received"
	EventFollowCreated      = "follow.created"
	EventUserRegistered     = "user.registered"
)

// KnownEventTypes returns the closed vocabulary of publishable event types.
func KnownEventTypes() []string {
	return []string{
		EventPitchCreated,
		EventPitchUpdated,
		EventPitchPublished,
		EventPitchViewed,
		EventNDARequested,
		EventNDASigned,
		EventNDARejected,
		EventInvestmentCreated,
		EventInvestmentReceived,
		EventMessageReceived,
		EventFollowCreated,
		EventUserRegistered,
	}
}

// BackoffType selects how retry delays grow between attempts.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
	BackoffFixed       BackoffType = "fixed"
)

// RetryPolicy is the per-endpoint retry configuration.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffType   `json:"backoff"`
	BaseDelay   time.Duration `json:"base_delay"`
}

// DefaultRetryPolicy returns the policy applied when an endpoint does
// not configure its own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   time.Second,
	}
}

// Endpoint represents a registered webhook delivery target.
type Endpoint struct {
	ID         string   `json:"id" db:"id"`
	UserID     string   `json:"user_id" db:"user_id"`
	Name       string   `json:"name" db:"name"`
	URL        string   `json:"url" db:"url"`
	Secret     string   `json:"-" db:"secret"`
	EventTypes []string `json:"event_types" db:"event_types"`
	// ResourceType restricts deliveries to events about one resource
	// type (pitch, nda, ...). Empty means no restriction.
	ResourceType string            `json:"resource_type,omitempty" db:"resource_type"`
	Filters      map[string]string `json:"filters,omitempty" db:"filters"`
	Headers      map[string]string `json:"headers,omitempty" db:"headers"`
	Timeout      int               `json:"timeout" db:"timeout"` // seconds
	Retry        RetryPolicy       `json:"retry" db:"retry"`
	RateLimit    int               `json:"rate_limit" db:"rate_limit"` // requests per window
	Active       bool              `json:"active" db:"active"`

	TotalDeliveries      int64      `json:"total_deliveries" db:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries" db:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries" db:"failed_deliveries"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty" db:"last_success_at"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	AvgResponseMs        *float64   `json:"avg_response_ms,omitempty" db:"avg_response_ms"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Event represents an immutable fact published once and fanned out to
// every eligible endpoint. Only the aggregate delivery counters change
// after creation.
type Event struct {
	ID            string         `json:"id" db:"id"`
	EventType     string         `json:"event_type" db:"event_type"`
	ResourceType  string         `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID    string         `json:"resource_id,omitempty" db:"resource_id"`
	Payload       map[string]any `json:"payload" db:"payload"`
	TriggeredBy   string         `json:"triggered_by,omitempty" db:"triggered_by"`
	Source        string         `json:"source,omitempty" db:"source"`
	CorrelationID string         `json:"correlation_id,omitempty" db:"correlation_id"`

	TotalEndpoints int `json:"total_endpoints" db:"total_endpoints"`
	SuccessCount   int `json:"success_count" db:"success_count"`
	FailedCount    int `json:"failed_count" db:"failed_count"`
	PendingCount   int `json:"pending_count" db:"pending_count"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

// Expired reports whether the event is past its retention window and
// therefore ineligible for further delivery attempts.
func (e *Event) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// DeliveryStatus represents the lifecycle state of a delivery.
//
// State machine:
//
//	[pending] ---(claim)---> [processing]
//	[processing] ---(2xx)---> [succeeded]
//	[processing] ---(failure, budget left)---> [retrying]
//	[retrying] ---(next_retry_at reached, claim)---> [processing]
//	[processing] ---(failure, budget exhausted)---> [failed]
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusProcessing DeliveryStatus = "processing"
	StatusSucceeded  DeliveryStatus = "succeeded"
	StatusRetrying   DeliveryStatus = "retrying"
	StatusFailed     DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Delivery is one (event, endpoint) delivery record, retried in place
// up to its attempt ceiling. The signed request payload and headers are
// materialized at fan-out time.
type Delivery struct {
	ID         string `json:"id" db:"id"`
	EventID    string `json:"event_id" db:"event_id"`
	EndpointID string `json:"endpoint_id" db:"endpoint_id"`

	URL     string            `json:"url" db:"url"`
	Payload []byte            `json:"payload" db:"payload"`
	Headers map[string]string `json:"headers" db:"headers"`

	Status        DeliveryStatus `json:"status" db:"status"`
	AttemptNumber int            `json:"attempt_number" db:"attempt_number"`
	MaxAttempts   int            `json:"max_attempts" db:"max_attempts"`

	ResponseStatus  int               `json:"response_status,omitempty" db:"response_status"`
	ResponseBody    string            `json:"response_body,omitempty" db:"response_body"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty" db:"response_headers"`
	ErrorMessage    string            `json:"error_message,omitempty" db:"error_message"`
	ErrorClass      string            `json:"error_class,omitempty" db:"error_class"`
	ResponseTimeMs  int64             `json:"response_time_ms,omitempty" db:"response_time_ms"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
}

// ActivityEntry is one row of the append-only activity log.
type ActivityEntry struct {
	ID         string         `json:"id" db:"id"`
	Level      string         `json:"level" db:"level"`
	Message    string         `json:"message" db:"message"`
	Category   string         `json:"category" db:"category"`
	EndpointID string         `json:"endpoint_id,omitempty" db:"endpoint_id"`
	UserID     string         `json:"user_id,omitempty" db:"user_id"`
	Context    map[string]any `json:"context,omitempty" db:"context"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// AnalyticsBucket is one time bucket of rolled-up delivery outcomes.
type AnalyticsBucket struct {
	Bucket        time.Time `json:"bucket"`
	Total         int64     `json:"total"`
	Succeeded     int64     `json:"succeeded"`
	Failed        int64     `json:"failed"`
	AvgResponseMs float64   `json:"avg_response_ms"`
	Timeouts      int64     `json:"timeouts"`
	NetworkErrors int64     `json:"network_errors"`
	HTTP4xx       int64     `json:"http_4xx"`
	HTTP5xx       int64     `json:"http_5xx"`
}

// AnalyticsSummary aggregates delivery outcomes over the whole range.
type AnalyticsSummary struct {
	Total         int64   `json:"total"`
	Succeeded     int64   `json:"succeeded"`
	Failed        int64   `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`
}
