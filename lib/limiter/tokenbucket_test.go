package limiter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"colossus/lib/core"
)

func TestTokenBucketClientReserverAllowsBurst(t *testing.T) {
	alice := core.ClientID{Namespace: "tokenbucket-test", Key: "alice"}
	b := NewTokenBucketClientReserver(1, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.TryReserve(context.Background(), alice))
	}
	require.ErrorIs(t, b.TryReserve(context.Background(), alice), MaxReservationsExceeded)
}

func TestTokenBucketClientReserverTracksClientsIndependently(t *testing.T) {
	alice := core.ClientID{Namespace: "tokenbucket-test", Key: "alice"}
	bob := core.ClientID{Namespace: "tokenbucket-test", Key: "bob"}
	b := NewTokenBucketClientReserver(1, 1)

	require.NoError(t, b.TryReserve(context.Background(), alice))
	require.ErrorIs(t, b.TryReserve(context.Background(), alice), MaxReservationsExceeded)
	require.NoError(t, b.TryReserve(context.Background(), bob))
}

func TestTokenBucketClientReserverReleaseIsNoOp(t *testing.T) {
	alice := core.ClientID{Namespace: "tokenbucket-test", Key: "alice"}
	b := NewTokenBucketClientReserver(1, 1)

	require.NoError(t, b.TryReserve(context.Background(), alice))
	require.NoError(t, b.ReleaseReservation(context.Background(), alice))
	require.ErrorIs(t, b.TryReserve(context.Background(), alice), MaxReservationsExceeded)
}
