// Package payment wraps the Stripe hosted-checkout API behind a small
// processor-agnostic surface. Nothing in here touches local storage: session
// creation embeds the whole order intent into session metadata, and
// reconciliation recovers it from there.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"github.com/kasugatakuya/band-store/config"
	"github.com/kasugatakuya/band-store/models"
)

// LineItem is one Stripe line item, priced in integer yen at session-creation
// time. The paid amount reported back by Stripe stays authoritative for the
// order total even if a product price changes before the customer pays.
type LineItem struct {
	Name        string
	Description string
	ImageURL    string
	UnitAmount  int64
	Quantity    int64
}

type SessionInput struct {
	CustomerEmail string
	Metadata      map[string]string
	LineItems     []LineItem
}

type Gateway struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
	logger        *zap.Logger
}

func NewGateway(cfg *config.Config, logger *zap.Logger) *Gateway {
	api := &client.API{}
	api.Init(cfg.StripeSecretKey, nil)

	return &Gateway{
		api:           api,
		webhookSecret: cfg.StripeWebhookSecret,
		successURL:    cfg.BaseURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:     cfg.BaseURL + "/cart",
		logger:        logger,
	}
}

// CreateSession creates a hosted checkout session and returns its handle. It
// writes nothing locally; the metadata payload is the only record of intent.
func (g *Gateway) CreateSession(ctx context.Context, in SessionInput) (*models.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params:             stripe.Params{Context: ctx},
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(g.successURL),
		CancelURL:          stripe.String(g.cancelURL),
		CustomerEmail:      stripe.String(in.CustomerEmail),
		LineItems:          buildLineItems(in.LineItems),
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	g.logger.Info("Checkout session created",
		zap.String("session_id", sess.ID),
		zap.Int("line_items", len(in.LineItems)),
	)
	return fromStripeSession(sess), nil
}

// GetSession retrieves a session by id, e.g. when the customer's browser lands
// on the success page carrying the session reference.
func (g *Gateway) GetSession(ctx context.Context, id string) (*models.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}}
	sess, err := g.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session %s: %w", id, err)
	}
	return fromStripeSession(sess), nil
}

// VerifyWebhook checks the signature over the raw body and extracts the
// completed session. A nil session with nil error means the event type is not
// one we act on.
func (g *Gateway) VerifyWebhook(payload []byte, sigHeader string) (*models.CheckoutSession, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("verify webhook signature: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return nil, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal checkout session from event: %w", err)
	}
	return fromStripeSession(&sess), nil
}

func buildLineItems(items []LineItem) []*stripe.CheckoutSessionLineItemParams {
	out := make([]*stripe.CheckoutSessionLineItemParams, 0, len(items))
	for _, it := range items {
		productData := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(it.Name),
		}
		if it.Description != "" {
			productData.Description = stripe.String(it.Description)
		}
		// Stripe only accepts publicly reachable image URLs; local paths
		// are dropped, not forwarded.
		if validImageURL(it.ImageURL) {
			productData.Images = stripe.StringSlice([]string{it.ImageURL})
		}

		out = append(out, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(string(stripe.CurrencyJPY)),
				UnitAmount:  stripe.Int64(it.UnitAmount),
				ProductData: productData,
			},
			Quantity: stripe.Int64(it.Quantity),
		})
	}
	return out
}

func validImageURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func fromStripeSession(s *stripe.CheckoutSession) *models.CheckoutSession {
	out := &models.CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		PaymentStatus: string(s.PaymentStatus),
		AmountTotal:   s.AmountTotal,
		CustomerEmail: s.CustomerEmail,
		Metadata:      s.Metadata,
	}
	if s.PaymentIntent != nil {
		out.PaymentID = s.PaymentIntent.ID
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.CustomerEmail = s.CustomerDetails.Email
	}
	return out
}
