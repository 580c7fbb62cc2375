package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorder_ConcurrentPublish(t *testing.T) {
	ctx := context.Background()
	rec := &Recorder{}

	// WHEN: many goroutines publish at once
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, rec.Publish(ctx, "t", TransferApplied{TransferID: fmt.Sprint(i)}))
		}(i)
	}
	wg.Wait()

	// THEN: every event was kept
	assert.Len(t, rec.Events(), n)
}

func TestRecorder_ErrDropsEvent(t *testing.T) {
	boom := errors.New("broker down")
	rec := &Recorder{Err: boom}

	err := rec.Publish(context.Background(), "t", TransferVoided{TransferID: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.Events())
}
