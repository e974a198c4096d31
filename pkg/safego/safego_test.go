package safego

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_RunsFunction(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	ran := false
	Go(context.Background(), "test-task", func(_ context.Context) error {
		defer wg.Done()
		ran = true
		return nil
	})
	wg.Wait()
	assert.True(t, ran)
}

func TestGo_SwallowsError(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	assert.NotPanics(t, func() {
		Go(context.Background(), "failing-task", func(_ context.Context) error {
			defer wg.Done()
			return errors.New("boom")
		})
		wg.Wait()
	})
}

func TestGo_RecoversPanic(t *testing.T) {
	done := make(chan struct{})
	assert.NotPanics(t, func() {
		Go(context.Background(), "panicking-task", func(_ context.Context) error {
			defer close(done)
			panic("kaboom")
		})
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background task did not run")
	}
}
