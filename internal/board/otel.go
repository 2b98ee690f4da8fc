package board

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "southmakuhari-history/internal/board"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
