package infrastructure

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	startErr error
	stopped  atomic.Bool
}

func (s *fakeServer) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	<-ctx.Done()
	return nil
}

func (s *fakeServer) Stop(ctx context.Context) error {
	s.stopped.Store(true)
	return nil
}

func TestApp_StopsAllServersOnCancel(t *testing.T) {
	a, b := &fakeServer{}, &fakeServer{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- NewApp([]Server{a, b}).Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("app did not stop")
	}
	assert.True(t, a.stopped.Load())
	assert.True(t, b.stopped.Load())
}

func TestApp_FailingServerStopsTheRest(t *testing.T) {
	boom := errors.New("listen failed")
	healthy := &fakeServer{}

	err := NewApp([]Server{healthy, &fakeServer{startErr: boom}}).Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.True(t, healthy.stopped.Load())
}

func TestRunCleanup_ReverseOrder(t *testing.T) {
	var order []int
	runCleanup([]func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	})()
	assert.Equal(t, []int{2, 1}, order)
}
