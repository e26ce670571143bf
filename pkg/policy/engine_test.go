package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quarantineModule = `
package s2s.access

import rego.v1

default allow := true

allow := false if {
	endswith(input.remote_domain, ".quarantine.test")
}
`

const verdictModule = `
package s2s.verdict

import rego.v1

default action := "allow"

action := "block" if {
	input.remote_domain == "spam.example"
}

reason := "listed as spam source" if {
	action == "block"
}

metadata := {"source": "verdict"}
`

func newTestEngine(t *testing.T, entry string, cacheSize int) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: entry,
		Modules: map[string]string{
			"access.rego":  quarantineModule,
			"verdict.rego": verdictModule,
		},
		CacheMaxEntries: cacheSize,
	})
	require.NoError(t, err)
	return engine
}

func TestEngineBooleanEntrypoint(t *testing.T) {
	engine := newTestEngine(t, "s2s/access/allow", 0)

	decision, err := engine.Evaluate(context.Background(), Input{RemoteDomain: "jabber.org", Generation: "1"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed())

	decision, err = engine.Evaluate(context.Background(), Input{RemoteDomain: "bad.quarantine.test", Generation: "1"})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, decision.Action)
	assert.Equal(t, "denied by policy", decision.Reason)
}

func TestEngineObjectEntrypoint(t *testing.T) {
	engine := newTestEngine(t, "s2s/verdict", 0)

	decision, err := engine.Evaluate(context.Background(), Input{RemoteDomain: "spam.example"})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, decision.Action)
	assert.Equal(t, "listed as spam source", decision.Reason)
	assert.Equal(t, "verdict", decision.Metadata["source"])

	decision, err = engine.Evaluate(context.Background(), Input{RemoteDomain: "jabber.org"})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)
}

func TestEngineEntrypointOverride(t *testing.T) {
	engine := newTestEngine(t, "s2s/access/allow", 0)

	decision, err := engine.Evaluate(context.Background(), Input{
		RemoteDomain: "spam.example",
		Entrypoint:   "s2s/verdict",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, decision.Action)
}

func TestEngineRejectsBadModules(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{})
	require.Error(t, err)

	_, err = NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package s2s\n\nallow := {"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.rego")
}

func TestEngineUnexpectedResultType(t *testing.T) {
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: "s2s/number/value",
		Modules:    map[string]string{"number.rego": "package s2s.number\n\nvalue := 3\n"},
	})
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), Input{RemoteDomain: "jabber.org"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected result type")
}

func TestEngineDecisionCache(t *testing.T) {
	engine := newTestEngine(t, "s2s/access/allow", 8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Evaluate(ctx, Input{RemoteDomain: "jabber.org", Generation: "7"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, engine.cache.Len())

	_, err := engine.Evaluate(ctx, Input{RemoteDomain: "jabber.org", Generation: "8"})
	require.NoError(t, err)
	assert.Equal(t, 2, engine.cache.Len())

	_, err = engine.Evaluate(ctx, Input{RemoteDomain: "xmpp.net", Generation: "8", DisableCache: true})
	require.NoError(t, err)
	_, err = engine.Evaluate(ctx, Input{RemoteDomain: "xmpp.net"})
	require.NoError(t, err)
	assert.Equal(t, 2, engine.cache.Len())

	engine.FlushCache()
	assert.Equal(t, 0, engine.cache.Len())
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      any
		want    Action
		wantErr bool
	}{
		{in: nil, want: ActionAllow},
		{in: "ALLOW", want: ActionAllow},
		{in: "block", want: ActionBlock},
		{in: "deny", want: ActionBlock},
		{in: "redact", wantErr: true},
		{in: 1, wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseAction(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %v", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
