package server

import (
	"context"
	"fmt"
	"math"

	"github.com/ChuLiYu/slot-dispatcher/internal/dispatcher"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "slotdispatcher.v1.JobService"

// Full method names, used by interceptors and tests.
const (
	MethodSubmitJob = "/" + ServiceName + "/SubmitJob"
	MethodStatus    = "/" + ServiceName + "/Status"
	MethodPending   = "/" + ServiceName + "/Pending"
)

// JobServiceServer is the server API for JobService.
//
// Messages are protobuf well-known types so no generated code is needed:
// SubmitJob takes {"id", "label", "priority"} and answers {"job_id"};
// Status answers the dispatcher Status fields; Pending answers {"jobs": [...]}.
type JobServiceServer interface {
	SubmitJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Pending(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterJobServiceServer registers srv on s.
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&JobServiceDesc, srv)
}

// JobServiceDesc describes JobService for grpc.Server.RegisterService.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: submitJobHandler},
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Pending", Handler: pendingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "slotdispatcher/v1/job_service.proto",
}

func submitJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).SubmitJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSubmitJob}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).SubmitJob(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func pendingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).Pending(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPending}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).Pending(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// JobServiceClient is the client API for JobService.
type JobServiceClient interface {
	SubmitJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	Pending(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type jobServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewJobServiceClient returns a JobServiceClient on cc.
func NewJobServiceClient(cc grpc.ClientConnInterface) JobServiceClient {
	return &jobServiceClient{cc: cc}
}

func (c *jobServiceClient) SubmitJob(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodSubmitJob, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *jobServiceClient) Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodStatus, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *jobServiceClient) Pending(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodPending, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Message conversion
// ============================================================================

// JobToStruct encodes a job as a SubmitJob request.
func JobToStruct(job types.Job) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":       structpb.NewStringValue(string(job.ID)),
		"label":    structpb.NewStringValue(job.Label),
		"priority": structpb.NewNumberValue(float64(job.Priority)),
	}}
}

// JobFromStruct decodes a SubmitJob request. A missing id is returned empty.
func JobFromStruct(s *structpb.Struct) (types.Job, error) {
	var job types.Job
	fields := s.GetFields()

	if v, ok := fields["id"]; ok {
		if _, isStr := v.GetKind().(*structpb.Value_StringValue); !isStr {
			return job, fmt.Errorf("id must be a string")
		}
		job.ID = types.JobID(v.GetStringValue())
	}
	if v, ok := fields["label"]; ok {
		job.Label = v.GetStringValue()
	}
	if v, ok := fields["priority"]; ok {
		if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
			return job, fmt.Errorf("priority must be a number")
		}
		p := v.GetNumberValue()
		if p != math.Trunc(p) || p > math.MaxInt32 || p < math.MinInt32 {
			return job, fmt.Errorf("priority must be a 32-bit integer, got %v", p)
		}
		job.Priority = int(p)
	}
	return job, nil
}

// StatusToStruct encodes a dispatcher status.
func StatusToStruct(st dispatcher.Status) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"state":    structpb.NewStringValue(st.State),
		"pending":  structpb.NewNumberValue(float64(st.Pending)),
		"active":   structpb.NewNumberValue(float64(st.Active)),
		"occupied": structpb.NewNumberValue(float64(st.Occupied)),
		"slots":    structpb.NewNumberValue(float64(st.Slots)),
		"capacity": structpb.NewNumberValue(float64(st.Capacity)),
	}}
}

// StatusFromStruct decodes a Status response.
func StatusFromStruct(s *structpb.Struct) dispatcher.Status {
	f := s.GetFields()
	return dispatcher.Status{
		State:    f["state"].GetStringValue(),
		Pending:  int(f["pending"].GetNumberValue()),
		Active:   int(f["active"].GetNumberValue()),
		Occupied: int(f["occupied"].GetNumberValue()),
		Slots:    int(f["slots"].GetNumberValue()),
		Capacity: int(f["capacity"].GetNumberValue()),
	}
}

// JobsToStruct encodes a Pending response.
func JobsToStruct(jobs []types.Job) *structpb.Struct {
	values := make([]*structpb.Value, len(jobs))
	for i, j := range jobs {
		values[i] = structpb.NewStructValue(JobToStruct(j))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"jobs": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// JobsFromStruct decodes a Pending response.
func JobsFromStruct(s *structpb.Struct) ([]types.Job, error) {
	values := s.GetFields()["jobs"].GetListValue().GetValues()
	jobs := make([]types.Job, 0, len(values))
	for _, v := range values {
		job, err := JobFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
