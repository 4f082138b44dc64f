package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/ChuLiYu/slot-dispatcher/internal/dispatcher"
	"github.com/ChuLiYu/slot-dispatcher/internal/jobmanager"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Dispatcher is the part of *dispatcher.Dispatcher the server needs.
type Dispatcher interface {
	Enqueue(job types.Job) error
	Status() dispatcher.Status
	Pending() []types.Job
}

// Server implements JobService on top of a Dispatcher.
type Server struct {
	d   Dispatcher
	log *slog.Logger
}

// NewServer creates a new gRPC server instance. A nil logger means slog.Default().
func NewServer(d Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{d: d, log: logger}
}

// SubmitJob handles job submission from clients.
//
// A missing id is replaced with a random UUID; a missing label defaults to
// "Job id: <id>". Rejections map to ResourceExhausted (queue full) and
// AlreadyExists (duplicate).
func (s *Server) SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := JobFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}
	if job.Label == "" {
		job.Label = "Job id: " + string(job.ID)
	}

	if err := s.d.Enqueue(job); err != nil {
		return nil, toStatus(err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id": structpb.NewStringValue(string(job.ID)),
	}}, nil
}

// Status returns the dispatcher's live status.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return StatusToStruct(s.d.Status()), nil
}

// Pending returns the pending jobs in dequeue order.
func (s *Server) Pending(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return JobsToStruct(s.d.Pending()), nil
}

// toStatus maps enqueue errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, jobmanager.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, jobmanager.ErrDuplicatePending), errors.Is(err, jobmanager.ErrDuplicateActive):
		return status.Error(codes.AlreadyExists, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// LoggingInterceptor logs every unary call at debug level and failures at warn.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("RPC failed",
				"method", info.FullMethod,
				"code", status.Code(err).String(),
				"duration", time.Since(start))
			return resp, err
		}
		logger.Debug("RPC handled", "method", info.FullMethod, "duration", time.Since(start))
		return resp, nil
	}
}

// NewGRPCServer returns a grpc.Server with JobService registered.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.UnaryInterceptor(LoggingInterceptor(srv.log))}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterJobServiceServer(gs, srv)
	return gs
}

// Serve accepts connections on lis until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		return nil
	}
}
