package payments

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const GetnetProviderName = "getnet"

type GetnetConfig struct {
	BaseURL    string
	Login      string
	SecretKey  string
	ReturnURL  string
	CancelURL  string
	SessionTTL time.Duration
	Locale     string
	Timeout    time.Duration

	// AllowUnsigned accepts notifications without a signature check while no SecretKey
	// is set. Local development only.
	AllowUnsigned bool
}

func (c GetnetConfig) configured() bool {
	return c.BaseURL != "" && c.Login != "" && c.SecretKey != "" && c.ReturnURL != ""
}

// GetnetProvider talks to the Getnet WebCheckout session API. Without credentials it
// hands out the fallback provider's redirect so local checkouts keep working.
type GetnetProvider struct {
	cfg      GetnetConfig
	client   *resty.Client
	fallback Provider
	now      func() time.Time
}

func NewGetnetProvider(cfg GetnetConfig, fallback Provider) *GetnetProvider {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.Locale == "" {
		cfg.Locale = "es_CL"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.CancelURL == "" {
		cfg.CancelURL = cfg.ReturnURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &GetnetProvider{cfg: cfg, client: client, fallback: fallback, now: time.Now}
}

func (p *GetnetProvider) Name() string { return GetnetProviderName }

type getnetAuth struct {
	Login   string `json:"login"`
	TranKey string `json:"tranKey"`
	Nonce   string `json:"nonce"`
	Seed    string `json:"seed"`
}

type getnetAmount struct {
	Currency string `json:"currency"`
	Total    int64  `json:"total"`
}

type getnetItem struct {
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Quantity int    `json:"qty"`
	Price    int64  `json:"price"`
}

type getnetPayment struct {
	Reference    string       `json:"reference"`
	Description  string       `json:"description"`
	Amount       getnetAmount `json:"amount"`
	AllowPartial bool         `json:"allowPartial"`
	Items        []getnetItem `json:"items,omitempty"`
}

type getnetAddress struct {
	Street string `json:"street"`
}

type getnetPayer struct {
	Name    string         `json:"name"`
	Email   string         `json:"email"`
	Mobile  string         `json:"mobile,omitempty"`
	Address *getnetAddress `json:"address,omitempty"`
}

type getnetSessionRequest struct {
	Auth       getnetAuth    `json:"auth"`
	Locale     string        `json:"locale"`
	IPAddress  string        `json:"ipAddress"`
	UserAgent  string        `json:"userAgent"`
	Expiration string        `json:"expiration"`
	Payment    getnetPayment `json:"payment"`
	Payer      getnetPayer   `json:"payer"`
	ReturnURL  string        `json:"returnUrl"`
	CancelURL  string        `json:"cancelUrl"`
}

type getnetStatus struct {
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Date    string `json:"date"`
}

type getnetSessionResponse struct {
	Status     getnetStatus    `json:"status"`
	RequestID  json.RawMessage `json:"requestId"`
	ProcessURL string          `json:"processUrl"`
}

func (p *GetnetProvider) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !p.cfg.configured() {
		if p.fallback == nil {
			return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("provider not configured")}
		}
		return p.fallback.CreateIntent(ctx, req)
	}

	auth, err := p.auth()
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: err}
	}

	body := getnetSessionRequest{
		Auth:       auth,
		Locale:     p.cfg.Locale,
		IPAddress:  req.ClientIP,
		UserAgent:  req.UserAgent,
		Expiration: p.now().Add(p.cfg.SessionTTL).UTC().Format(time.RFC3339),
		Payment: getnetPayment{
			Reference:   req.Reference,
			Description: "Order " + req.Reference,
			Amount:      getnetAmount{Currency: req.Currency, Total: req.Amount},
			Items:       make([]getnetItem, 0, len(req.Items)),
		},
		Payer: getnetPayer{
			Name:   nonEmpty(req.Payer.Name, "Cliente"),
			Email:  req.Payer.Email,
			Mobile: req.Payer.Phone,
		},
		ReturnURL: p.cfg.ReturnURL,
		CancelURL: p.cfg.CancelURL,
	}
	if req.Payer.Address != "" {
		body.Payer.Address = &getnetAddress{Street: req.Payer.Address}
	}
	for _, it := range req.Items {
		body.Payment.Items = append(body.Payment.Items, getnetItem{
			SKU: it.SKU, Name: nonEmpty(it.Name, it.SKU), Quantity: it.Quantity, Price: it.Price,
		})
	}

	var out getnetSessionResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/api/session")
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: err}
	}
	if resp.IsError() {
		return nil, &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode(), Err: fmt.Errorf("%s", truncate(resp.String(), 512))}
	}
	if out.ProcessURL == "" {
		return nil, &ProviderError{Provider: p.Name(), StatusCode: resp.StatusCode(),
			Err: fmt.Errorf("no processUrl (status=%s reason=%s)", out.Status.Status, out.Status.Message)}
	}

	return &Intent{RedirectURL: out.ProcessURL, CorrelationID: scalar(out.RequestID)}, nil
}

// auth builds the WSSE-style credential: tranKey = base64(sha256(nonce + seed + secret))
// with the raw nonce bytes, and the nonce itself sent base64-encoded.
func (p *GetnetProvider) auth() (getnetAuth, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return getnetAuth{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	seed := p.now().UTC().Format(time.RFC3339)
	return getnetAuth{
		Login:   p.cfg.Login,
		TranKey: TranKey(nonce, seed, p.cfg.SecretKey),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Seed:    seed,
	}, nil
}

func TranKey(nonce []byte, seed, secret string) string {
	h := sha256.New()
	h.Write(nonce)
	h.Write([]byte(seed))
	h.Write([]byte(secret))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// getnetNotification covers the payload shapes the gateway has been seen to send.
type getnetNotification struct {
	Reference  string          `json:"reference"`
	BuyOrder   string          `json:"buyOrder"`
	BuyOrder2  string          `json:"buy_order"`
	Status     json.RawMessage `json:"status"`
	RequestID  json.RawMessage `json:"requestId"`
	RequestID2 json.RawMessage `json:"request_id"`
	Signature  string          `json:"signature"`
	Data       *struct {
		Reference string          `json:"reference"`
		Status    json.RawMessage `json:"status"`
		RequestID json.RawMessage `json:"requestId"`
		Signature string          `json:"signature"`
	} `json:"data"`
	NotifyData *struct {
		Status json.RawMessage `json:"status"`
	} `json:"notifyData"`
}

// ParseNotification accepts every payload shape above. Once a SecretKey is configured the
// signature must match.
func (p *GetnetProvider) ParseNotification(body []byte) (Notification, error) {
	var n getnetNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	reference := firstNonEmpty(n.Reference, n.BuyOrder, n.BuyOrder2)
	status := statusOf(n.Status)
	requestID := firstNonEmpty(scalar(n.RequestID), scalar(n.RequestID2))
	signature := n.Signature
	if n.Data != nil {
		reference = firstNonEmpty(reference, n.Data.Reference)
		if status.Status == "" {
			status = statusOf(n.Data.Status)
		}
		requestID = firstNonEmpty(requestID, scalar(n.Data.RequestID))
		signature = firstNonEmpty(signature, n.Data.Signature)
	}
	if n.NotifyData != nil && status.Status == "" {
		status = statusOf(n.NotifyData.Status)
	}
	if reference == "" {
		return Notification{}, fmt.Errorf("%w: missing reference", ErrInvalidNotification)
	}
	if err := p.verify(requestID, status, signature); err != nil {
		return Notification{}, err
	}

	raw := strings.ToUpper(status.Status)
	outcome := OutcomeAmbiguous
	switch raw {
	case "APPROVED":
		outcome = OutcomeSuccess
	case "REJECTED", "FAILED":
		outcome = OutcomeFailure
	}

	return Notification{
		Provider:      p.Name(),
		Reference:     reference,
		Outcome:       outcome,
		CorrelationID: requestID,
		RawStatus:     raw,
	}, nil
}

func (p *GetnetProvider) verify(requestID string, status getnetStatus, signature string) error {
	if p.cfg.SecretKey == "" {
		if p.cfg.AllowUnsigned {
			return nil
		}
		return fmt.Errorf("%w: no secret key to verify the signature", ErrInvalidNotification)
	}
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidNotification)
	}
	signature = strings.ToLower(strings.TrimSpace(signature))
	want := NotificationSignature(requestID, status.Status, status.Date, p.cfg.SecretKey, strings.HasPrefix(signature, "sha256:"))
	if subtle.ConstantTimeCompare([]byte(signature), []byte(want)) != 1 {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidNotification)
	}
	return nil
}

// NotificationSignature is hex(sha1(requestId + status + date + secretKey)), or the
// "sha256:"-prefixed sha256 form the gateway sends when configured for it.
func NotificationSignature(requestID, status, date, secret string, sha256Form bool) string {
	payload := []byte(requestID + status + date + secret)
	if sha256Form {
		sum := sha256.Sum256(payload)
		return "sha256:" + hex.EncodeToString(sum[:])
	}
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// statusOf accepts either "APPROVED" or {"status":"APPROVED","date":...}.
func statusOf(raw json.RawMessage) getnetStatus {
	if len(raw) == 0 {
		return getnetStatus{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return getnetStatus{Status: s}
	}
	var obj getnetStatus
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	return getnetStatus{}
}

// scalar reads a JSON string or number as text.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
