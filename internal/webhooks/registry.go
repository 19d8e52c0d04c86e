package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"github.com/petrel-io/petrel/internal/logger"
)

// StateResetter discards per-endpoint delivery state (circuit breaker
// records) when an endpoint is deleted.
type StateResetter interface {
	Reset(ctx context.Context, key string)
}

// RegistryDefaults are applied to endpoints that leave a knob unset.
type RegistryDefaults struct {
	TimeoutSeconds int
	MaxAttempts    int
	RateLimit      int
}

// Registry owns webhook endpoint configuration: registration, updates,
// soft-disable, deletion, and the event-type vocabulary check.
type Registry struct {
	store    EndpointStore
	activity ActivityStore
	resetter StateResetter
	defaults RegistryDefaults
	metrics  Metrics
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryMetrics attaches endpoint metrics.
func WithRegistryMetrics(m Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an endpoint registry.
func NewRegistry(store EndpointStore, activity ActivityStore, resetter StateResetter, defaults RegistryDefaults, opts ...RegistryOption) *Registry {
	if defaults.TimeoutSeconds <= 0 {
		defaults.TimeoutSeconds = 30
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 3
	}
	if defaults.RateLimit <= 0 {
		defaults.RateLimit = 100
	}
	r := &Registry{
		store:    store,
		activity: activity,
		resetter: resetter,
		defaults: defaults,
		logger:   logger.NewLogger("webhook-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateEndpointInput is the registration request.
type CreateEndpointInput struct {
	Name         string            `json:"name"`
	URL          string            `json:"url"`
	EventTypes   []string          `json:"event_types"`
	ResourceType string            `json:"resource_type,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Timeout      int               `json:"timeout,omitempty"`
	Retry        *RetryPolicy      `json:"retry,omitempty"`
	RateLimit    int               `json:"rate_limit,omitempty"`
}

// UpdateEndpointInput is a partial update; nil fields are unchanged.
type UpdateEndpointInput struct {
	Name         *string           `json:"name,omitempty"`
	URL          *string           `json:"url,omitempty"`
	EventTypes   []string          `json:"event_types,omitempty"`
	ResourceType *string           `json:"resource_type,omitempty"`
	Filters      map[string]string `json:"filters,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Timeout      *int              `json:"timeout,omitempty"`
	Retry        *RetryPolicy      `json:"retry,omitempty"`
	RateLimit    *int              `json:"rate_limit,omitempty"`
}

// CreateEndpoint validates input, mints the signing secret, and
// persists the endpoint plus one subscription row per event type.
func (r *Registry) CreateEndpoint(ctx context.Context, userID string, in CreateEndpointInput) (*Endpoint, error) {
	if in.Name == "" {
		return nil, newValidationError("name", "name is required")
	}
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	if err := validateEventTypes(in.EventTypes); err != nil {
		return nil, err
	}

	secret, err := mintSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	retry := DefaultRetryPolicy()
	retry.MaxAttempts = r.defaults.MaxAttempts
	if in.Retry != nil {
		retry = *in.Retry
		if err := validateRetryPolicy(retry); err != nil {
			return nil, err
		}
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = r.defaults.TimeoutSeconds
	}
	rateLimit := in.RateLimit
	if rateLimit <= 0 {
		rateLimit = r.defaults.RateLimit
	}

	endpoint := &Endpoint{
		UserID:       userID,
		Name:         in.Name,
		URL:          in.URL,
		Secret:       secret,
		EventTypes:   in.EventTypes,
		ResourceType: in.ResourceType,
		Filters:      in.Filters,
		Headers:      in.Headers,
		Timeout:      timeout,
		Retry:        retry,
		RateLimit:    rateLimit,
		Active:       true,
	}

	if err := r.store.CreateEndpoint(ctx, endpoint); err != nil {
		return nil, fmt.Errorf("failed to create endpoint: %w", err)
	}
	if err := r.store.ReplaceSubscriptions(ctx, endpoint.ID, endpoint.EventTypes); err != nil {
		return nil, fmt.Errorf("failed to create subscriptions: %w", err)
	}
	if r.metrics != nil {
		r.metrics.AddActiveEndpoints(ctx, 1)
	}

	r.logActivity(ctx, "info", "webhook endpoint registered", endpoint.ID, userID, map[string]any{
		"url":         endpoint.URL,
		"event_types": endpoint.EventTypes,
	})
	r.logger.Info("endpoint registered",
		"endpoint_id", endpoint.ID,
		"user_id", userID,
		"url", endpoint.URL,
		"event_types", endpoint.EventTypes,
	)
	return endpoint, nil
}

// GetEndpoint returns an endpoint owned by userID.
func (r *Registry) GetEndpoint(ctx context.Context, id, userID string) (*Endpoint, error) {
	return r.store.GetEndpointForUser(ctx, id, userID)
}

// ListEndpoints returns all endpoints owned by userID.
func (r *Registry) ListEndpoints(ctx context.Context, userID string) ([]*Endpoint, error) {
	return r.store.ListEndpoints(ctx, userID)
}

// UpdateEndpoint applies a partial update after re-validating changed
// fields. Subscriptions are replaced wholesale when event types change.
// The signing secret is immutable and never touched here.
func (r *Registry) UpdateEndpoint(ctx context.Context, id, userID string, in UpdateEndpointInput) (*Endpoint, error) {
	endpoint, err := r.store.GetEndpointForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		if *in.Name == "" {
			return nil, newValidationError("name", "name is required")
		}
		endpoint.Name = *in.Name
	}
	if in.URL != nil {
		if err := validateURL(*in.URL); err != nil {
			return nil, err
		}
		endpoint.URL = *in.URL
	}
	eventTypesChanged := false
	if in.EventTypes != nil {
		if err := validateEventTypes(in.EventTypes); err != nil {
			return nil, err
		}
		eventTypesChanged = !slices.Equal(endpoint.EventTypes, in.EventTypes)
		endpoint.EventTypes = in.EventTypes
	}
	if in.ResourceType != nil {
		endpoint.ResourceType = *in.ResourceType
	}
	if in.Filters != nil {
		endpoint.Filters = in.Filters
	}
	if in.Headers != nil {
		endpoint.Headers = in.Headers
	}
	if in.Timeout != nil {
		if *in.Timeout <= 0 {
			return nil, newValidationError("timeout", "timeout must be positive")
		}
		endpoint.Timeout = *in.Timeout
	}
	if in.Retry != nil {
		if err := validateRetryPolicy(*in.Retry); err != nil {
			return nil, err
		}
		endpoint.Retry = *in.Retry
	}
	if in.RateLimit != nil {
		if *in.RateLimit <= 0 {
			return nil, newValidationError("rate_limit", "rate limit must be positive")
		}
		endpoint.RateLimit = *in.RateLimit
	}

	if err := r.store.UpdateEndpoint(ctx, endpoint); err != nil {
		return nil, err
	}
	if eventTypesChanged {
		if err := r.store.ReplaceSubscriptions(ctx, endpoint.ID, endpoint.EventTypes); err != nil {
			return nil, fmt.Errorf("failed to replace subscriptions: %w", err)
		}
	}

	r.logActivity(ctx, "info", "webhook endpoint updated", endpoint.ID, userID, nil)
	return endpoint, nil
}

// DeleteEndpoint removes an endpoint and cascades to its subscriptions
// and circuit breaker state. Historical deliveries are retained.
func (r *Registry) DeleteEndpoint(ctx context.Context, id, userID string) error {
	endpoint, err := r.store.GetEndpointForUser(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteEndpoint(ctx, id); err != nil {
		return err
	}
	if r.resetter != nil {
		r.resetter.Reset(ctx, id)
	}
	if r.metrics != nil && endpoint.Active {
		r.metrics.AddActiveEndpoints(ctx, -1)
	}

	r.logActivity(ctx, "info", "webhook endpoint deleted", id, userID, nil)
	r.logger.Info("endpoint deleted", "endpoint_id", id, "user_id", userID)
	return nil
}

// ToggleEndpoint flips the active flag. Inactive endpoints are excluded
// from fan-out but keep their delivery history.
func (r *Registry) ToggleEndpoint(ctx context.Context, id, userID string, active bool) error {
	endpoint, err := r.store.GetEndpointForUser(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := r.store.SetEndpointActive(ctx, id, active); err != nil {
		return err
	}
	if r.metrics != nil && endpoint.Active != active {
		delta := int64(-1)
		if active {
			delta = 1
		}
		r.metrics.AddActiveEndpoints(ctx, delta)
	}

	state := "deactivated"
	if active {
		state = "activated"
	}
	r.logActivity(ctx, "info", "webhook endpoint "+state, id, userID, nil)
	return nil
}

func (r *Registry) logActivity(ctx context.Context, level, message, endpointID, userID string, extra map[string]any) {
	if r.activity == nil {
		return
	}
	entry := &ActivityEntry{
		Level:      level,
		Message:    message,
		Category:   "webhook_registry",
		EndpointID: endpointID,
		UserID:     userID,
		Context:    extra,
	}
	if err := r.activity.LogActivity(ctx, entry); err != nil {
		r.logger.Warn("failed to write activity log", "error", err)
	}
}

func validateURL(raw string) error {
	if raw == "" {
		return newValidationError("url", "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return newValidationError("url", "url must be a well-formed absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return newValidationError("url", "url scheme must be http or https")
	}
	return nil
}

func validateEventTypes(eventTypes []string) error {
	if len(eventTypes) == 0 {
		return newValidationError("event_types", "at least one event type is required")
	}
	known := KnownEventTypes()
	for _, et := range eventTypes {
		if !slices.Contains(known, et) {
			return newValidationError("event_types", "unknown event type %q", et)
		}
	}
	return nil
}

func validateRetryPolicy(p RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return newValidationError("retry.max_attempts", "max attempts must be at least 1")
	}
	switch p.Backoff {
	case BackoffExponential, BackoffLinear, BackoffFixed:
	default:
		return newValidationError("retry.backoff", "unknown backoff type %q", p.Backoff)
	}
	if p.BaseDelay <= 0 {
		return newValidationError("retry.base_delay", "base delay must be positive")
	}
	return nil
}

// mintSecret returns a 256-bit random signing secret as hex. Secrets
// are generated server-side once and never rotated implicitly.
func mintSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
