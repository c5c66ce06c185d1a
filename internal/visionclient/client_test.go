package visionclient

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/photo-check/internal/logging"
)

type fakeSidecar struct {
	faces    map[string]any
	hands    map[string]any
	lastSize int
}

func (f *fakeSidecar) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	req := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	f.lastSize = len(req.GetValue())

	var payload map[string]any
	switch method {
	case MethodDetectFaces:
		payload = f.faces
	case MethodDetectHands:
		payload = f.hands
	default:
		return status.Error(codes.Unimplemented, method)
	}
	if payload == nil {
		return status.Error(codes.Internal, "model not loaded")
	}
	resp, err := structpb.NewStruct(payload)
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func startSidecar(t *testing.T, fake *fakeSidecar, serving healthpb.HealthCheckResponse_ServingStatus) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(fake.handle))
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, serving)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	client, err := Dial(context.Background(), "bufnet", zap.NewNop(), grpc.WithContextDialer(dialer))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestDetectFacesParsesReply(t *testing.T) {
	fake := &fakeSidecar{faces: map[string]any{
		"faces": []any{
			map[string]any{"x": 10, "y": 20, "w": 100, "h": 120, "confidence": 0.93},
			map[string]any{"x": 300, "y": 40, "w": 50, "h": 50, "confidence": 0.41},
		},
	}}
	client := startSidecar(t, fake, healthpb.HealthCheckResponse_SERVING)

	faces, err := client.DetectFaces(context.Background(), []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("DetectFaces returned error: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(faces))
	}
	if faces[0] != (Face{X: 10, Y: 20, W: 100, H: 120, Confidence: 0.93}) {
		t.Fatalf("unexpected first face: %+v", faces[0])
	}
	if fake.lastSize != len("jpeg-bytes") {
		t.Fatalf("sidecar received %d bytes", fake.lastSize)
	}
}

func TestDetectHandsParsesLandmarks(t *testing.T) {
	landmarks := make([]any, 21)
	for i := range landmarks {
		landmarks[i] = map[string]any{"x": float64(i) / 21, "y": 0.5}
	}
	fake := &fakeSidecar{hands: map[string]any{
		"hands": []any{map[string]any{"landmarks": landmarks}},
	}}
	client := startSidecar(t, fake, healthpb.HealthCheckResponse_SERVING)

	hands, err := client.DetectHands(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("DetectHands returned error: %v", err)
	}
	if len(hands) != 1 || len(hands[0].Landmarks) != 21 {
		t.Fatalf("unexpected hands: %+v", hands)
	}
	if hands[0].Landmarks[0].Y != 0.5 {
		t.Fatalf("unexpected landmark: %+v", hands[0].Landmarks[0])
	}
}

func TestMissingKeyIsMalformed(t *testing.T) {
	fake := &fakeSidecar{faces: map[string]any{"detections": []any{}}}
	client := startSidecar(t, fake, healthpb.HealthCheckResponse_SERVING)

	_, err := client.DetectFaces(context.Background(), []byte{1})
	if !errors.Is(err, ErrMalformedReply) {
		t.Fatalf("expected ErrMalformedReply, got %v", err)
	}
	if got := logging.OperationOf(err); got != "visionclient.detect_faces" {
		t.Fatalf("unexpected operation %q", got)
	}
}

func TestRPCFailureIsWrapped(t *testing.T) {
	client := startSidecar(t, &fakeSidecar{}, healthpb.HealthCheckResponse_SERVING)

	_, err := client.DetectHands(context.Background(), []byte{1})
	if err == nil {
		t.Fatal("expected error")
	}
	if status.Code(errors.Unwrap(err)) != codes.Internal {
		t.Fatalf("expected Internal status, got %v", err)
	}
}

func TestReady(t *testing.T) {
	client := startSidecar(t, &fakeSidecar{}, healthpb.HealthCheckResponse_SERVING)
	if err := client.Ready(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}

	down := startSidecar(t, &fakeSidecar{}, healthpb.HealthCheckResponse_NOT_SERVING)
	if err := down.Ready(context.Background()); !errors.Is(err, ErrNotServing) {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}
}
