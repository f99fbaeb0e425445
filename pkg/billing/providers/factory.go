// Package providers implements billing.Provider for the payment gateways the
// service can be deployed against. Exactly one is selected at startup.
package providers

import (
	"fmt"

	"github.com/pandasalon/salon-billing/pkg/billing"
	"github.com/pandasalon/salon-billing/pkg/config"
)

// New builds the provider selected by cfg.Provider
func New(cfg config.BillingConfig) (billing.Provider, error) {
	switch cfg.Provider {
	case config.ProviderFake:
		return NewFake(cfg.FakeWebhookSecret, cfg.FrontendURL), nil
	case config.ProviderStripe:
		return NewStripe(StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			PriceIDs: map[billing.PlanType]string{
				billing.PlanPro:     cfg.StripePricePro,
				billing.PlanPremium: cfg.StripePricePremium,
			},
			SuccessURL:      cfg.FrontendURL + "/billing/success",
			CancelURL:       cfg.FrontendURL + "/billing",
			PortalReturnURL: cfg.FrontendURL + "/billing",
		}), nil
	case config.ProviderRazorpay:
		return NewRazorpay(RazorpayConfig{
			KeyID:         cfg.RazorpayKeyID,
			KeySecret:     cfg.RazorpayKeySecret,
			WebhookSecret: cfg.RazorpayWebhookSecret,
			FrontendURL:   cfg.FrontendURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown billing provider %q", cfg.Provider)
	}
}
