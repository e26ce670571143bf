package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{LocalDomain: "example.org"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
	assert.Contains(t, sampler(0.25).Description(), "ParentBased")
}

func TestNewResourceCarriesDomain(t *testing.T) {
	res, err := newResource(context.Background(), Config{
		ServiceName:  DefaultServiceName,
		LocalDomain:  "example.org",
		Environment:  "staging",
		ResourceTags: map[string]string{"region": "eu"},
	})
	require.NoError(t, err)

	values := map[string]string{}
	for _, kv := range res.Attributes() {
		values[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, DefaultServiceName, values["service.name"])
	assert.Equal(t, "example.org", values["xmpp.domain"])
	assert.Equal(t, "staging", values["deployment.environment"])
	assert.Equal(t, "eu", values["region"])
}
