package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkpool/forkpool/pkg/logger"
)

func TestSafeGroupPanicRecovery(t *testing.T) {
	tests := []struct {
		name          string
		operations    []func() error
		errorContains string
	}{
		{
			name: "successful operations",
			operations: []func() error{
				func() error { return nil },
				func() error { return nil },
				func() error { return nil },
			},
		},
		{
			name: "one operation returns error",
			operations: []func() error{
				func() error { return nil },
				func() error { return errors.New("operation failed") },
				func() error { return nil },
			},
			errorContains: "operation failed",
		},
		{
			name: "one operation panics",
			operations: []func() error{
				func() error { return nil },
				func() error { panic("callback panic") },
				func() error { return nil },
			},
			errorContains: "goroutine panic",
		},
		{
			name: "multiple operations panic",
			operations: []func() error{
				func() error { panic("panic 1") },
				func() error { panic("panic 2") },
				func() error { return nil },
			},
			errorContains: "goroutine panic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logger.CreateLoggerWithOutput("debug", &buf)

			g, _ := NewSafeGroup(context.Background(), log)
			g.SetLimit(2)

			for _, op := range tt.operations {
				g.Go(op)
			}

			err := g.Wait()
			if tt.errorContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestSafeGroupCancelsContextOnError(t *testing.T) {
	g, ctx := NewSafeGroup(context.Background(), nil)

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("context was not cancelled")
		}
	})
	g.Go(func() error { return errors.New("stop") })

	err := g.Wait()
	require.Error(t, err)
	assert.Equal(t, "stop", err.Error())
}
