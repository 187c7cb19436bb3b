package static

import (
	"context"
	"colossus/lib/core"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthorizer(t *testing.T) {
	alice := core.ClientID{Namespace: "test", Key: "alice"}
	bob := core.ClientID{Namespace: "test", Key: "bob"}
	cindy := core.ClientID{Namespace: "test", Key: "cindy"}
	dinesh := core.ClientID{Namespace: "test", Key: "dinesh"}
	eve := core.ClientID{Namespace: "test", Key: "eve"}

	alpha := NewGroup("alpha")
	beta := NewGroup("beta")
	admin := NewGroup("admin")

	web := NewUGroup("web")
	worker := NewUGroup("worker")

	web1 := core.Upstream{Network: "tcp", Address: "web1:80"}
	web2 := core.Upstream{Network: "tcp", Address: "web2:80"}
	worker1 := core.Upstream{Network: "tcp", Address: "worker1:80"}
	worker2 := core.Upstream{Network: "tcp", Address: "worker2:80"}

	cfgZero := Config{}

	cfgSmall := Config{
		GroupsByClientID: map[core.ClientID][]Group{
			alice:  {admin},
			bob:    {beta, alpha},
			cindy:  {beta},
			dinesh: {alpha},
		},
		UGroupsByGroup: map[Group][]UGroup{
			alpha: {web},
			beta:  {worker},
			admin: {web, worker},
		},
		UpstreamsByUGroup: map[UGroup]core.UpstreamSet{
			web:    core.NewUpstreamSet(web1, web2),
			worker: core.NewUpstreamSet(worker1, worker2),
		},
	}

	scenarios := []struct {
		name              string
		c                 core.ClientID
		cfg               Config
		expectedUpstreams core.UpstreamSet
	}{
		{
			name:              "zero alice query",
			c:                 alice,
			cfg:               cfgZero,
			expectedUpstreams: core.EmptyUpstreamSet(),
		},
		{
			name:              "small alice query",
			c:                 alice,
			cfg:               cfgSmall,
			expectedUpstreams: core.NewUpstreamSet(web1, web2, worker1, worker2),
		},
		{
			name:              "small bob query",
			c:                 bob,
			cfg:               cfgSmall,
			expectedUpstreams: core.NewUpstreamSet(web1, web2, worker1, worker2),
		},
		{
			name:              "small cindy query",
			c:                 cindy,
			cfg:               cfgSmall,
			expectedUpstreams: core.NewUpstreamSet(worker1, worker2),
		},
		{
			name:              "small dinesh query",
			c:                 dinesh,
			cfg:               cfgSmall,
			expectedUpstreams: core.NewUpstreamSet(web1, web2),
		},
		{
			name:              "small eve query",
			c:                 eve,
			cfg:               cfgSmall,
			expectedUpstreams: core.EmptyUpstreamSet(),
		},
	}

	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			a := NewStaticAuthorizer(s.cfg)

			ctx := context.Background()
			upstreams, err := a.AuthorizedUpstreams(ctx, s.c)

			require.NoError(t, err)
			require.Equal(t, s.expectedUpstreams, upstreams)
		})
	}
}

func TestAuthorizerReload(t *testing.T) {
	alice := core.ClientID{Namespace: "test", Key: "alice"}
	web1 := core.Upstream{Network: "tcp", Address: "web1:80"}
	web := NewUGroup("web")
	admin := NewGroup("admin")

	a := NewStaticAuthorizer(Config{})
	ctx := context.Background()

	upstreams, err := a.AuthorizedUpstreams(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, core.EmptyUpstreamSet(), upstreams)

	a.Reload(Config{
		GroupsByClientID:  map[core.ClientID][]Group{alice: {admin}},
		UGroupsByGroup:    map[Group][]UGroup{admin: {web}},
		UpstreamsByUGroup: map[UGroup]core.UpstreamSet{web: core.NewUpstreamSet(web1)},
	})

	upstreams, err = a.AuthorizedUpstreams(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, core.NewUpstreamSet(web1), upstreams)
}
