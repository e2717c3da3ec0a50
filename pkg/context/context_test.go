package context_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	pcontext "github.com/forkpool/forkpool/pkg/context"
)

func TestSpawnID_Generated(t *testing.T) {
	ctx := pcontext.WithSpawnID(context.Background(), "")

	id := pcontext.GetSpawnID(ctx)
	assert.True(t, strings.HasPrefix(id, "spn_"))
	assert.True(t, pcontext.HasSpawnID(ctx))
}

func TestDefaults(t *testing.T) {
	ctx := context.Background()

	assert.False(t, pcontext.HasSpawnID(ctx))
	assert.False(t, pcontext.HasWorkerName(ctx))
	assert.False(t, pcontext.HasOperation(ctx))
	assert.Zero(t, pcontext.GetDuration(ctx))
}

func TestForSpawn(t *testing.T) {
	ctx := pcontext.ForSpawn(context.Background(), "alpha")

	assert.True(t, pcontext.HasSpawnID(ctx))
	assert.Equal(t, "alpha", pcontext.GetWorkerName(ctx))
	assert.Equal(t, "spawn", pcontext.GetOperation(ctx))

	unnamed := pcontext.ForSpawn(context.Background(), "")
	assert.False(t, pcontext.HasWorkerName(unnamed))
}

func TestGetDuration(t *testing.T) {
	ctx := pcontext.WithStartTime(context.Background(), time.Now().Add(-time.Second))
	assert.GreaterOrEqual(t, pcontext.GetDuration(ctx), time.Second)
}
