package refunds

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/carelink-health/carelink/libs/money"
	otelx "github.com/carelink-health/carelink/libs/otel"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/refund"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API host (stripe-mock, tests).
	BaseURL    string
	HTTPClient *http.Client
}

type StripeGateway struct {
	client refund.Client
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient: httpClient,
		// Retries would run past the caller's timeout; the idempotency key
		// makes a later reconcile retry safe instead.
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	return &StripeGateway{
		client: refund.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: strings.TrimSpace(cfg.SecretKey),
		},
	}
}

func (g *StripeGateway) Refund(ctx context.Context, transactionRef string, amount decimal.Decimal, meta Metadata) (Receipt, error) {
	ctx, span := otelx.Tracer("refunds").Start(ctx, "refunds.stripe.refund")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("appointment.id", meta.AppointmentID),
		attribute.String("payment.transaction_ref", transactionRef),
	)

	cents, err := money.ToMinorUnits(amount)
	if err != nil {
		return Receipt{}, &GatewayError{Provider: "stripe", Code: "invalid_amount", Message: err.Error(), Err: err}
	}

	params := &stripe.RefundParams{
		Amount: stripe.Int64(cents),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	// Charges predate PaymentIntents; both reference formats are accepted.
	if strings.HasPrefix(transactionRef, "ch_") {
		params.Charge = stripe.String(transactionRef)
	} else {
		params.PaymentIntent = stripe.String(transactionRef)
	}
	params.Context = ctx
	params.SetIdempotencyKey(meta.IdempotencyKey())
	for k, v := range meta.Map() {
		params.AddMetadata(k, v)
	}

	r, err := g.client.New(params)
	if err != nil {
		err = classify(ctx, "stripe", stripeError(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		return Receipt{}, err
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		err := &GatewayError{Provider: "stripe", Code: string(r.Status), Message: "refund " + r.ID + " was " + string(r.Status)}
		span.SetStatus(codes.Error, err.Message)
		return Receipt{}, err
	}

	span.SetAttributes(attribute.String("refund.id", r.ID), attribute.String("refund.status", string(r.Status)))
	return Receipt{
		RefundID: r.ID,
		Amount:   money.FromMinorUnits(r.Amount),
		Status:   string(r.Status),
	}, nil
}

func stripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return &GatewayError{Provider: "stripe", Code: string(se.Code), Message: se.Msg, Err: ErrAlreadyRefunded}
		}
		return &GatewayError{Provider: "stripe", Code: string(se.Code), Message: se.Msg, Err: err}
	}
	return &GatewayError{Provider: "stripe", Message: err.Error(), Err: err}
}
