package stream

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func stubResolver(records map[string][]*net.SRV) *Resolver {
	r := NewResolver(nil)
	r.lookupSRV = func(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
		recs, ok := records[service+"."+name]
		if !ok {
			return "", nil, errors.New("no such host")
		}
		return "", recs, nil
	}
	return r
}

func TestResolver_PortOverrideBypassesSRV(t *testing.T) {
	r := stubResolver(map[string][]*net.SRV{
		"xmpp-server.b.example": {{Target: "xmpp.b.example.", Port: 5269}},
	})

	got := r.Resolve(context.Background(), "b.example", 15269)
	assert.Equal(t, []Target{{Host: "b.example", Port: 15269}}, got)
}

func TestResolver_OrdersByPriority(t *testing.T) {
	r := stubResolver(map[string][]*net.SRV{
		"xmpps-server.b.example": {
			{Target: "tls.b.example.", Port: 5270, Priority: 10, Weight: 5},
		},
		"xmpp-server.b.example": {
			{Target: "plain1.b.example.", Port: 5269, Priority: 5, Weight: 0},
			{Target: "plain2.b.example.", Port: 5269, Priority: 10, Weight: 50},
		},
	})

	got := r.Resolve(context.Background(), "b.example", 0)
	assert.Equal(t, []Target{
		{Host: "plain1.b.example", Port: 5269},
		{Host: "tls.b.example", Port: 5270, DirectTLS: true},
		{Host: "plain2.b.example", Port: 5269},
	}, got)
}

func TestResolver_FallsBackToDomain(t *testing.T) {
	r := stubResolver(map[string][]*net.SRV{
		"xmpp-server.b.example": {{Target: ".", Port: 0}},
	})

	got := r.Resolve(context.Background(), "b.example", 0)
	assert.Equal(t, []Target{{Host: "b.example", Port: DefaultServerPort}}, got)
}

func TestTarget_String(t *testing.T) {
	assert.Equal(t, "h:1", Target{Host: "h", Port: 1}.String())
	assert.Equal(t, "[::1]:5270 (direct tls)", Target{Host: "::1", Port: 5270, DirectTLS: true}.String())
}
