package grpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tiepoint/internal/fitting"
	"tiepoint/internal/tasks"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tiepoint.Fitter"

const fitMethod = "/" + ServiceName + "/Fit"

// FitterServer is the server API for the tiepoint.Fitter service. Requests
// and responses are google.protobuf.Struct values:
//
//	request:  {"model": "affine", "solver": "", "source": [[x, y], ...], "target": [[x, y], ...]}
//	response: {"model", "solver", "matrix": [9 numbers], "points", "rms",
//	           "max_residual", "degenerate", "warnings", "duration_ms"}
type FitterServer interface {
	Fit(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes tiepoint.Fitter for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FitterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Fit", Handler: fitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tiepoint/fitter.proto",
}

func fitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FitterServer).Fit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FitterServer).Fit(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterFitterServer registers srv on s.
func RegisterFitterServer(s grpc.ServiceRegistrar, srv FitterServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FitService answers Fit calls with a tasks.Fitter.
type FitService struct {
	fitter tasks.Fitter
	log    *slog.Logger
}

// NewFitService creates the service.
func NewFitService(fitter tasks.Fitter, log *slog.Logger) *FitService {
	if log == nil {
		log = slog.Default()
	}
	return &FitService{fitter: fitter, log: log}
}

// Fit decodes the request struct, runs the fit and encodes the result.
func (s *FitService) Fit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := RequestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.fitter.Fit(ctx, req)
	if err != nil {
		s.log.Warn("gRPC fit failed", "model", req.Model, "points", len(req.Source), "error", err)
		return nil, status.Error(CodeForError(err), err.Error())
	}
	out, err := ResultToStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// CodeForError maps fitting errors onto gRPC status codes.
func CodeForError(err error) codes.Code {
	switch {
	case errors.Is(err, fitting.ErrInvalidInput):
		return codes.InvalidArgument
	case errors.Is(err, fitting.ErrDegenerate):
		return codes.FailedPrecondition
	case errors.Is(err, fitting.ErrExternalSolver), errors.Is(err, fitting.ErrMalformedOutput),
		errors.Is(err, fitting.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// RequestFromStruct decodes a Fit request. The point lists accept the same
// forms as tie-point files.
func RequestFromStruct(in *structpb.Struct) (fitting.Request, error) {
	if in == nil {
		return fitting.Request{}, errors.New("empty request")
	}
	fields := in.AsMap()

	model := fitting.ModelAffine
	if name, ok := fields["model"].(string); ok && name != "" {
		m, err := fitting.ParseModel(name)
		if err != nil {
			return fitting.Request{}, err
		}
		model = m
	}
	solver, _ := fields["solver"].(string)

	doc, err := json.Marshal(map[string]any{"source": fields["source"], "target": fields["target"]})
	if err != nil {
		return fitting.Request{}, err
	}
	set, err := tasks.DecodeTiePoints(bytes.NewReader(doc))
	if err != nil {
		return fitting.Request{}, err
	}
	return fitting.Request{Model: model, Solver: solver, Source: set.Source, Target: set.Target}, nil
}

// RequestToStruct encodes a Fit request.
func RequestToStruct(req fitting.Request) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"model":  req.Model.String(),
		"solver": req.Solver,
		"source": pointsValue(req.Source),
		"target": pointsValue(req.Target),
	})
}

// ResultToStruct encodes a fit result.
func ResultToStruct(res fitting.Result) (*structpb.Struct, error) {
	matrix := make([]any, len(res.Transform))
	for i, v := range res.Transform {
		matrix[i] = v
	}
	warnings := make([]any, len(res.Warnings))
	for i, w := range res.Warnings {
		warnings[i] = w
	}
	return structpb.NewStruct(map[string]any{
		"model":        res.Model.String(),
		"solver":       res.Solver,
		"matrix":       matrix,
		"points":       res.Points,
		"rms":          res.RMS,
		"max_residual": res.MaxResidual,
		"degenerate":   res.Degenerate,
		"warnings":     warnings,
		"duration_ms":  float64(res.Duration) / float64(time.Millisecond),
	})
}

// ResultFromStruct decodes a fit result.
func ResultFromStruct(in *structpb.Struct) (fitting.Result, error) {
	fields := in.AsMap()
	var res fitting.Result

	name, _ := fields["model"].(string)
	model, err := fitting.ParseModel(name)
	if err != nil {
		return res, err
	}
	res.Model = model
	res.Solver, _ = fields["solver"].(string)

	matrix, _ := fields["matrix"].([]any)
	if len(matrix) != len(res.Transform) {
		return res, fmt.Errorf("matrix has %d values, want %d", len(matrix), len(res.Transform))
	}
	for i, v := range matrix {
		f, ok := v.(float64)
		if !ok {
			return res, fmt.Errorf("matrix value %d is %T", i, v)
		}
		res.Transform[i] = f
	}

	points, _ := fields["points"].(float64)
	res.Points = int(points)
	res.RMS, _ = fields["rms"].(float64)
	res.MaxResidual, _ = fields["max_residual"].(float64)
	res.Degenerate, _ = fields["degenerate"].(bool)
	if ws, ok := fields["warnings"].([]any); ok {
		for _, w := range ws {
			if s, ok := w.(string); ok {
				res.Warnings = append(res.Warnings, s)
			}
		}
	}
	ms, _ := fields["duration_ms"].(float64)
	res.Duration = time.Duration(ms * float64(time.Millisecond))
	return res, nil
}

// Serve listens on addr and serves the Fitter service until ctx is done.
func Serve(ctx context.Context, addr string, fitter tasks.Fitter, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ServeListener(ctx, listen, fitter, log)
}

// ServeListener serves on an existing listener.
func ServeListener(ctx context.Context, listen net.Listener, fitter tasks.Fitter, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.ChainUnaryInterceptor(loggingInterceptor(log)),
	)
	RegisterFitterServer(grpcServer, NewFitService(fitter, log))

	go func() {
		<-ctx.Done()
		log.Info("Shutting down gRPC server...")
		grpcServer.GracefulStop()
	}()

	log.Info("gRPC server starting", "addr", listen.Addr().String(), "service", ServiceName)
	if err := grpcServer.Serve(listen); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func loggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("gRPC call", "method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start))
		return resp, err
	}
}
