package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/internal/dispatcher"
	"github.com/ChuLiYu/slot-dispatcher/internal/server"
	"github.com/ChuLiYu/slot-dispatcher/internal/worker"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var fastRetry = RetryPolicy{Attempts: 100, Initial: 2 * time.Millisecond, Max: 10 * time.Millisecond}

func setup(t *testing.T, capacity int, retry RetryPolicy) (*Client, *dispatcher.Dispatcher) {
	t.Helper()

	d, err := dispatcher.New(dispatcher.Config{Capacity: capacity},
		worker.ExecutorFunc(func(context.Context, types.Job) error { return nil }),
		dispatcher.NopObserver{})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	gs := server.NewGRPCServer(server.NewServer(d, nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, gs, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
		d.Close()
	})
	return New(conn, retry), d
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitAndStatus(t *testing.T) {
	c, _ := setup(t, 4, DefaultRetry)
	ctx := testCtx(t)

	id, err := c.Submit(ctx, types.Job{ID: "7", Label: "Job id: 7", Priority: 3})
	require.NoError(t, err)
	assert.Equal(t, types.JobID("7"), id)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 4, st.Capacity)

	jobs, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobID("7"), jobs[0].ID)
}

func TestSubmitDuplicateIsNotRetried(t *testing.T) {
	c, _ := setup(t, 4, fastRetry)
	ctx := testCtx(t)

	_, err := c.Submit(ctx, types.Job{ID: "1"})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Submit(ctx, types.Job{ID: "1"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmitRetriesUntilAttemptsExhausted(t *testing.T) {
	c, _ := setup(t, 1, RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond})
	ctx := testCtx(t)

	_, err := c.Submit(ctx, types.Job{ID: "1"})
	require.NoError(t, err)

	_, err = c.Submit(ctx, types.Job{ID: "2"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

// TestSubmitRetriesAfterDrain a full queue is retried until the dispatcher frees space
func TestSubmitRetriesAfterDrain(t *testing.T) {
	c, d := setup(t, 1, fastRetry)
	ctx := testCtx(t)

	_, err := c.Submit(ctx, types.Job{ID: "1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Run(context.Background())
	}()

	id, err := c.Submit(ctx, types.Job{ID: "2"})
	require.NoError(t, err)
	assert.Equal(t, types.JobID("2"), id)
}

func TestSubmitCancelledDuringBackoff(t *testing.T) {
	c, _ := setup(t, 1, RetryPolicy{Attempts: 10, Initial: time.Second, Max: time.Second})

	_, err := c.Submit(testCtx(t), types.Job{ID: "1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Submit(ctx, types.Job{ID: "2"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClampsAttempts(t *testing.T) {
	c := New(nil, RetryPolicy{})
	assert.Equal(t, 1, c.retry.Attempts)
	assert.NoError(t, c.Close())
}
