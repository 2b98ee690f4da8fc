package gsi

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "southmakuhari-history/internal/gsi"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
