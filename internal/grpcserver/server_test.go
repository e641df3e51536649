package grpcserver

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"tiepoint/internal/fitting"
	"tiepoint/internal/geometry"
	"tiepoint/internal/tasks"
)

type fitterFunc func(ctx context.Context, req fitting.Request) (fitting.Result, error)

func (f fitterFunc) Fit(ctx context.Context, req fitting.Request) (fitting.Result, error) {
	return f(ctx, req)
}

func startServer(t *testing.T, fitter tasks.Fitter) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeListener(ctx, lis, fitter, nil) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("gRPC server did not stop")
		}
	})
	return client
}

func TestFitOverGRPC(t *testing.T) {
	client := startServer(t, fitting.NewFitter(fitting.NewManager(nil, nil), false, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := client.Fit(ctx, fitting.Request{
		Model:  fitting.ModelAffine,
		Source: []geometry.Point2D{geometry.Pt(0, 0), geometry.Pt(1, 0), geometry.Pt(0, 1), geometry.Pt(1, 1)},
		Target: []geometry.Point2D{geometry.Pt(5, 5), geometry.Pt(7, 5), geometry.Pt(5, 7), geometry.Pt(7, 7)},
	})
	require.NoError(t, err)

	want := geometry.Transform{2, 0, 5, 0, 2, 5, 0, 0, 1}
	assert.True(t, res.Transform.ApproxEqual(want, 1e-9), "got %v", res.Transform)
	assert.Equal(t, fitting.ModelAffine, res.Model)
	assert.Equal(t, "affine", res.Solver)
	assert.Equal(t, 4, res.Points)
	assert.InDelta(t, 0, res.RMS, 1e-9)
}

func TestFitStatusCodes(t *testing.T) {
	collinear := fitting.Request{
		Model:  fitting.ModelAffine,
		Source: []geometry.Point2D{geometry.Pt(0, 0), geometry.Pt(1, 1), geometry.Pt(2, 2)},
		Target: []geometry.Point2D{geometry.Pt(0, 0), geometry.Pt(1, 1), geometry.Pt(2, 2)},
	}
	mismatched := fitting.Request{
		Model:  fitting.ModelAffine,
		Source: []geometry.Point2D{geometry.Pt(0, 0), geometry.Pt(1, 0), geometry.Pt(0, 1)},
		Target: []geometry.Point2D{geometry.Pt(0, 0)},
	}

	strict := startServer(t, fitting.NewFitter(fitting.NewManager(nil, nil), true, nil))
	external := startServer(t, fitterFunc(func(ctx context.Context, req fitting.Request) (fitting.Result, error) {
		return fitting.Result{}, &fitting.ExternalSolverError{Path: "/opt/bin/homography_fit", ExitCode: 1}
	}))

	tests := []struct {
		name   string
		client *Client
		req    fitting.Request
		want   codes.Code
	}{
		{"mismatched lengths", strict, mismatched, codes.InvalidArgument},
		{"degenerate", strict, collinear, codes.FailedPrecondition},
		{"external failure", external, collinear, codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := tt.client.Fit(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err), err.Error())
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := structpb.NewStruct(map[string]any{"model": "similarity", "source": []any{}, "target": []any{}})
	require.NoError(t, err)
	_, err = strict.FitStruct(ctx, in)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRequestFromStructAcceptsObjects(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{
		"model":  "homography",
		"solver": "native-homography",
		"source": []any{map[string]any{"x": 1.0, "y": 2.0}},
		"target": []any{[]any{3.0, 4.0}},
	})
	require.NoError(t, err)

	req, err := RequestFromStruct(in)
	require.NoError(t, err)
	want := fitting.Request{
		Model:  fitting.ModelHomography,
		Solver: "native-homography",
		Source: []geometry.Point2D{geometry.Pt(1, 2)},
		Target: []geometry.Point2D{geometry.Pt(3, 4)},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	empty, err := structpb.NewStruct(map[string]any{"model": "affine"})
	require.NoError(t, err)
	_, err = RequestFromStruct(empty)
	assert.Error(t, err)
}

func TestResultStructRoundTrip(t *testing.T) {
	res := fitting.Result{
		Model:       fitting.ModelEuclidean,
		Solver:      "euclidean",
		Transform:   geometry.Transform{0, -1, 3, 1, 0, 4, 0, 0, 1},
		Points:      3,
		RMS:         0.125,
		MaxResidual: 0.25,
		Warnings:    []string{"euclidean fit uses the first 2 of 3 correspondences"},
		Duration:    1500 * time.Microsecond,
	}
	s, err := ResultToStruct(res)
	require.NoError(t, err)
	got, err := ResultFromStruct(s)
	require.NoError(t, err)
	if diff := cmp.Diff(res, got); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestCodeForError(t *testing.T) {
	assert.Equal(t, codes.DeadlineExceeded, CodeForError(context.DeadlineExceeded))
	assert.Equal(t, codes.Unavailable, CodeForError(fitting.ErrMalformedOutput))
	assert.Equal(t, codes.Unavailable, CodeForError(fmt.Errorf("%w: \"external-homography\"", fitting.ErrUnavailable)))
	assert.Equal(t, codes.Internal, CodeForError(assert.AnError))
}
