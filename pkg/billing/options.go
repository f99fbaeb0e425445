package billing

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/pandasalon/salon-billing/pkg/observability"
)

const tracerName = "github.com/pandasalon/salon-billing/pkg/billing"

// Options carries the collaborators shared by the billing components
type Options struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Clock defaults to time.Now in UTC
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = observability.NewNopLogger()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
