package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/internal/dispatcher"
	"github.com/ChuLiYu/slot-dispatcher/internal/worker"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// startServer serves d over an in-memory listener and returns a connected client.
func startServer(t *testing.T, d Dispatcher) JobServiceClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(NewServer(d, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, gs, lis) }()

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
	})
	return NewJobServiceClient(conn)
}

func newDispatcher(t *testing.T, capacity int) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(dispatcher.Config{Capacity: capacity},
		worker.ExecutorFunc(func(context.Context, types.Job) error { return nil }),
		dispatcher.NopObserver{})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitJob(t *testing.T) {
	d := newDispatcher(t, 3)
	client := startServer(t, d)
	ctx := callCtx(t)

	resp, err := client.SubmitJob(ctx, JobToStruct(types.Job{ID: "1", Label: "Job id: 1", Priority: 5}))
	require.NoError(t, err)
	assert.Equal(t, "1", resp.GetFields()["job_id"].GetStringValue())

	pending := d.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, types.Job{ID: "1", Label: "Job id: 1", Priority: 5}, pending[0])
}

func TestSubmitJobAssignsID(t *testing.T) {
	d := newDispatcher(t, 3)
	client := startServer(t, d)

	req, err := structpb.NewStruct(map[string]any{"priority": 2})
	require.NoError(t, err)

	resp, err := client.SubmitJob(callCtx(t), req)
	require.NoError(t, err)

	id := resp.GetFields()["job_id"].GetStringValue()
	_, err = uuid.Parse(id)
	assert.NoError(t, err, "generated id should be a UUID")

	pending := d.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "Job id: "+id, pending[0].Label)
}

func TestSubmitJobRejections(t *testing.T) {
	d := newDispatcher(t, 1)
	client := startServer(t, d)
	ctx := callCtx(t)

	_, err := client.SubmitJob(ctx, JobToStruct(types.Job{ID: "1"}))
	require.NoError(t, err)

	_, err = client.SubmitJob(ctx, JobToStruct(types.Job{ID: "1"}))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = client.SubmitJob(ctx, JobToStruct(types.Job{ID: "2"}))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestSubmitJobInvalid(t *testing.T) {
	client := startServer(t, newDispatcher(t, 1))

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{name: "fractional priority", fields: map[string]any{"id": "1", "priority": 1.5}},
		{name: "string priority", fields: map[string]any{"id": "1", "priority": "high"}},
		{name: "numeric id", fields: map[string]any{"id": 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := structpb.NewStruct(tt.fields)
			require.NoError(t, err)

			_, err = client.SubmitJob(callCtx(t), req)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestStatusAndPending(t *testing.T) {
	d := newDispatcher(t, 4)
	client := startServer(t, d)
	ctx := callCtx(t)

	for _, j := range []types.Job{{ID: "a", Priority: 1}, {ID: "b", Priority: 9}, {ID: "c", Priority: 5}} {
		_, err := client.SubmitJob(ctx, JobToStruct(j))
		require.NoError(t, err)
	}

	resp, err := client.Status(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	st := StatusFromStruct(resp)
	assert.Equal(t, d.Status(), st)
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, 4, st.Capacity)

	resp, err = client.Pending(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	jobs, err := JobsFromStruct(resp)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []types.JobID{"b", "c", "a"}, []types.JobID{jobs[0].ID, jobs[1].ID, jobs[2].ID})
}

type failingDispatcher struct{}

func (failingDispatcher) Enqueue(types.Job) error { return errors.New("disk on fire") }
func (failingDispatcher) Status() dispatcher.Status { return dispatcher.Status{} }
func (failingDispatcher) Pending() []types.Job { return nil }

func TestSubmitJobInternalError(t *testing.T) {
	client := startServer(t, failingDispatcher{})

	_, err := client.SubmitJob(callCtx(t), JobToStruct(types.Job{ID: "1"}))
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestJobStructRoundTrip(t *testing.T) {
	job := types.Job{ID: "42", Label: "Job id: 42", Priority: -3}
	got, err := JobFromStruct(JobToStruct(job))
	require.NoError(t, err)
	assert.Equal(t, job, got)
}
