package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/intelpipe/backend/pkg/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)

	ctx, span := Start(context.Background(), "fetch", attribute.String("source", "otx"))
	require.NotNil(t, ctx)
	End(span, errors.New("ignored by no-op span"))

	require.NoError(t, shutdown(context.Background()))
}
