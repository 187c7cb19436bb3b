package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerContextFromRoundTrips(t *testing.T) {
	ctx := WithWorkerContext(context.Background(), 3, 41)

	workerID, contextID, ok := WorkerContextFrom(ctx)
	require.True(t, ok)
	require.Equal(t, uint64(3), workerID)
	require.Equal(t, uint64(41), contextID)
}

func TestWorkerContextFromMissingIsNotOK(t *testing.T) {
	_, _, ok := WorkerContextFrom(context.Background())
	require.False(t, ok)
}
