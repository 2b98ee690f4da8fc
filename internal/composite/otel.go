package composite

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "southmakuhari-history/internal/composite"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
