package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Outcome is what a provider notification means for the order.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeAmbiguous Outcome = "ambiguous"
)

// Notification is a provider-agnostic payment outcome.
type Notification struct {
	Provider      string
	Reference     string
	Outcome       Outcome
	CorrelationID string
	RawStatus     string
}

type IntentItem struct {
	SKU      string
	Name     string
	Quantity int
	Price    int64
}

type Payer struct {
	Name    string
	Email   string
	Phone   string
	Address string
}

// IntentRequest is everything a provider needs to open a checkout.
type IntentRequest struct {
	Reference string
	Amount    int64
	Currency  string
	Items     []IntentItem
	Payer     Payer
	ClientIP  string
	UserAgent string
}

// Intent is the provider's answer to IntentRequest.
type Intent struct {
	RedirectURL   string
	CorrelationID string
}

// Provider is one payment gateway integration.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	ParseNotification(body []byte) (Notification, error)
}

var (
	ErrUnknownProvider     = errors.New("unknown payment provider")
	ErrInvalidNotification = errors.New("invalid payment notification")
)

// ProviderError wraps a failure talking to the gateway.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: gateway answered %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Registry resolves providers by name, case-insensitively.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

func NewRegistry(fallback string, providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers)), fallback: strings.ToLower(fallback)}
	for _, p := range providers {
		r.providers[strings.ToLower(p.Name())] = p
	}
	return r
}

// Get returns the named provider, or the configured default for an empty name.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Default returns the provider used to open new checkouts.
func (r *Registry) Default() (Provider, error) {
	return r.Get("")
}
