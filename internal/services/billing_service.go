package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/osvaldoandrade/historia/internal/metrics"
	"github.com/osvaldoandrade/historia/pkg/domain"
	"github.com/osvaldoandrade/historia/pkg/persistence"
)

var (
	ErrWebhookSecretMissing = errors.New("webhook secret not configured")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMalformedEvent       = errors.New("malformed webhook event")
)

const (
	subscriptionActive   = "active"
	subscriptionInactive = "inactive"

	webhookTolerance = 5 * time.Minute
)

// BillingService applies Polar billing events to accounts.
type BillingService interface {
	HandlePolarWebhook(ctx context.Context, header http.Header, body []byte) error
}

type BillingOptions struct {
	WebhookSecret         string
	SubscriptionProductID string
	PayPerUseProductID    string
	// SkipVerification is honoured only when the service runs in dev.
	SkipVerification bool
}

type billingService struct {
	accounts persistence.AccountStorage
	opts     BillingOptions
	now      func() time.Time
	logger   *slog.Logger
}

func NewBillingService(accounts persistence.AccountStorage, opts BillingOptions, logger *slog.Logger) BillingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &billingService{accounts: accounts, opts: opts, now: time.Now, logger: logger}
}

type polarEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type polarCustomer struct {
	ID              string `json:"id"`
	ExternalID      string `json:"external_id"`
	ExternalIDCamel string `json:"externalId"`
}

type polarProduct struct {
	ID string `json:"id"`
}

type polarSubscription struct {
	ID                   string         `json:"id"`
	Status               string         `json:"status"`
	ProductID            string         `json:"product_id"`
	ProductIDCamel       string         `json:"productId"`
	Product              *polarProduct  `json:"product"`
	CancelAtPeriodEnd    bool           `json:"cancel_at_period_end"`
	CancelAtPeriodEndCml bool           `json:"cancelAtPeriodEnd"`
	Customer             *polarCustomer `json:"customer"`
	CustomerID           string         `json:"customer_id"`
	CustomerIDCamel      string         `json:"customerId"`
	ExternalCustomerID   string         `json:"externalCustomerId"`
	Metadata             map[string]any `json:"metadata"`
}

func (s polarSubscription) productID() string {
	switch {
	case s.ProductID != "":
		return s.ProductID
	case s.ProductIDCamel != "":
		return s.ProductIDCamel
	case s.Product != nil:
		return s.Product.ID
	}
	return ""
}

func (s polarSubscription) customerID() string {
	if s.Customer != nil && s.Customer.ID != "" {
		return s.Customer.ID
	}
	if s.CustomerIDCamel != "" {
		return s.CustomerIDCamel
	}
	return s.CustomerID
}

// userID is the application user the subscription belongs to. legacy
// controls whether the top-level externalCustomerId is considered.
func (s polarSubscription) userID(legacy bool) string {
	if s.Customer != nil {
		if s.Customer.ExternalID != "" {
			return s.Customer.ExternalID
		}
		if s.Customer.ExternalIDCamel != "" {
			return s.Customer.ExternalIDCamel
		}
	}
	if legacy && s.ExternalCustomerID != "" {
		return s.ExternalCustomerID
	}
	if v, ok := s.Metadata["userId"].(string); ok {
		return v
	}
	return ""
}

func (s polarSubscription) live() bool {
	return isActiveSubscription(s.Status) && !s.CancelAtPeriodEnd && !s.CancelAtPeriodEndCml
}

type polarCustomerState struct {
	ID              string `json:"id"`
	ExternalID      string `json:"external_id"`
	ExternalIDCamel string `json:"externalId"`
	Subscriptions   []struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		ProductID      string `json:"product_id"`
		ProductIDCamel string `json:"productId"`
	} `json:"subscriptions"`
}

func isActiveSubscription(status string) bool {
	return status == "active" || status == "trialing"
}

// tierFor maps a product to a tier. Unknown products are billed per use.
func (s *billingService) tierFor(productID string) domain.Tier {
	if productID != "" && productID == s.opts.SubscriptionProductID {
		return domain.TierUnlimited
	}
	return domain.TierPayPerUse
}

func (s *billingService) HandlePolarWebhook(ctx context.Context, header http.Header, body []byte) error {
	if !s.opts.SkipVerification {
		if strings.TrimSpace(s.opts.WebhookSecret) == "" {
			return ErrWebhookSecretMissing
		}
		if err := VerifyStandardWebhook(s.opts.WebhookSecret, header, body, s.now()); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("polar", "rejected").Inc()
			return err
		}
	}

	var ev polarEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var err error
	switch ev.Type {
	case "customer.state_changed":
		err = s.customerStateChanged(ctx, ev.Data)
	case "subscription.created", "subscription.updated", "subscription.active":
		err = s.subscriptionChanged(ctx, ev.Data)
	case "subscription.canceled":
		err = s.subscriptionCanceled(ctx, ev.Data)
	default:
		s.logger.Debug("polar event ignored", "type", ev.Type)
	}
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("polar", "failure").Inc()
		return err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("polar", "success").Inc()
	return nil
}

func (s *billingService) customerStateChanged(ctx context.Context, data json.RawMessage) error {
	var st polarCustomerState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	userID := st.ExternalIDCamel
	if userID == "" {
		userID = st.ExternalID
	}
	if userID == "" {
		return nil
	}
	return s.update(ctx, userID, func(acc *domain.Account) {
		acc.Tier = domain.TierFree
		acc.SubscriptionStatus = subscriptionInactive
		acc.SubscriptionID = ""
		acc.CustomerID = st.ID
		for _, sub := range st.Subscriptions {
			if !isActiveSubscription(sub.Status) {
				continue
			}
			product := sub.ProductIDCamel
			if product == "" {
				product = sub.ProductID
			}
			acc.Tier = s.tierFor(product)
			acc.SubscriptionStatus = subscriptionActive
			acc.SubscriptionID = sub.ID
			return
		}
	})
}

func (s *billingService) subscriptionChanged(ctx context.Context, data json.RawMessage) error {
	var sub polarSubscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	userID := sub.userID(true)
	if userID == "" {
		return nil
	}
	if !sub.live() {
		return s.update(ctx, userID, downgrade)
	}
	return s.update(ctx, userID, func(acc *domain.Account) {
		acc.Tier = s.tierFor(sub.productID())
		acc.SubscriptionStatus = subscriptionActive
		acc.SubscriptionID = sub.ID
		if c := sub.customerID(); c != "" {
			acc.CustomerID = c
		}
	})
}

func (s *billingService) subscriptionCanceled(ctx context.Context, data json.RawMessage) error {
	var sub polarSubscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	userID := sub.userID(false)
	if userID == "" {
		return nil
	}
	return s.update(ctx, userID, downgrade)
}

func downgrade(acc *domain.Account) {
	acc.Tier = domain.TierFree
	acc.SubscriptionStatus = subscriptionInactive
	acc.SubscriptionID = ""
}

// update is a read-modify-write so fields an event does not carry survive.
func (s *billingService) update(ctx context.Context, userID string, fn func(*domain.Account)) error {
	acc, err := s.accounts.GetAccount(ctx, userID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		acc = &domain.Account{UserID: userID, Tier: domain.TierFree}
	case err != nil:
		return fmt.Errorf("load account: %w", err)
	}
	fn(acc)
	acc.UserID = userID
	acc.UpdatedAt = s.now()
	if err := s.accounts.SaveAccount(ctx, *acc); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	s.logger.Info("account billing updated", "user_id", userID, "tier", acc.Tier, "status", acc.SubscriptionStatus)
	return nil
}

// webhookKey decodes a Standard Webhooks secret. "whsec_" secrets carry a
// base64 key; any other secret is used as raw bytes.
func webhookKey(secret string) []byte {
	if rest, ok := strings.CutPrefix(secret, "whsec_"); ok {
		if key, err := base64.StdEncoding.DecodeString(rest); err == nil {
			return key
		}
	}
	return []byte(secret)
}

// SignStandardWebhook returns the "v1,<sig>" value for msgID, ts and body.
func SignStandardWebhook(secret string, msgID string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, webhookKey(secret))
	_, _ = fmt.Fprintf(mac, "%s.%d.", msgID, ts)
	_, _ = mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyStandardWebhook checks the webhook-id, webhook-timestamp and
// webhook-signature headers. Any of the space separated signatures may match.
func VerifyStandardWebhook(secret string, header http.Header, body []byte, now time.Time) error {
	msgID := header.Get("webhook-id")
	tsRaw := header.Get("webhook-timestamp")
	sigs := header.Get("webhook-signature")
	if msgID == "" || tsRaw == "" || sigs == "" {
		return fmt.Errorf("%w: missing webhook headers", ErrInvalidSignature)
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	sent := time.Unix(ts, 0)
	if now.Sub(sent) > webhookTolerance || sent.Sub(now) > webhookTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	want := []byte(SignStandardWebhook(secret, msgID, ts, body))
	for _, sig := range strings.Fields(sigs) {
		if hmac.Equal(bytes.TrimSpace([]byte(sig)), want) {
			return nil
		}
	}
	return ErrInvalidSignature
}
