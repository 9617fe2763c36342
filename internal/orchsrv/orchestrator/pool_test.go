package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
)

func TestPoolRejectsSubmitAfterStop(t *testing.T) {
	p := newWorkerPool(2, 4)
	done := make(chan struct{})
	require.Nil(t, p.submit("op-1", func(context.Context) { close(done) }))
	<-done

	p.stop()

	err := p.submit("op-2", func(context.Context) {})
	require.NotNil(t, err)
	require.True(t, errors.Is(err, orcherrors.ErrTransient))
}

func TestPoolStopIsIdempotent(t *testing.T) {
	p := newWorkerPool(1, 1)
	p.stop()
	p.stop()
}

func TestPoolSubmitRacingStopDoesNotPanic(t *testing.T) {
	p := newWorkerPool(2, 8)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-quit:
					return
				default:
					p.submit("op", func(context.Context) {})
				}
			}
		}()
	}
	time.Sleep(2 * time.Millisecond)
	p.stop()
	close(quit)
	wg.Wait()
}
