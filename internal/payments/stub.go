package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const StubProviderName = "stub"

// StubProvider redirects to a local page and accepts plain JSON notifications. It is the
// provider for development and tests.
type StubProvider struct {
	payURL string
}

func NewStubProvider(payURL string) *StubProvider {
	return &StubProvider{payURL: payURL}
}

func (p *StubProvider) Name() string { return StubProviderName }

func (p *StubProvider) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	u, err := url.Parse(p.payURL)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("bad pay url: %w", err)}
	}
	q := u.Query()
	q.Set("reference", req.Reference)
	q.Set("amount", fmt.Sprint(req.Amount))
	u.RawQuery = q.Encode()
	return &Intent{RedirectURL: u.String(), CorrelationID: "stub-" + req.Reference}, nil
}

type stubNotification struct {
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	PaymentRef string `json:"payment_ref"`
}

func (p *StubProvider) ParseNotification(body []byte) (Notification, error) {
	var n stubNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if n.Reference == "" {
		return Notification{}, fmt.Errorf("%w: missing reference", ErrInvalidNotification)
	}

	outcome := OutcomeAmbiguous
	switch strings.ToLower(n.Status) {
	case "approved", "paid", "success":
		outcome = OutcomeSuccess
	case "rejected", "failed", "failure":
		outcome = OutcomeFailure
	}
	return Notification{
		Provider:      p.Name(),
		Reference:     n.Reference,
		Outcome:       outcome,
		CorrelationID: n.PaymentRef,
		RawStatus:     n.Status,
	}, nil
}
