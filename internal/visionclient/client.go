// Package visionclient talks to the vision sidecar that hosts the heavy face
// and hand-landmark models. Messages use the well-known protobuf types so no
// generated stubs are needed on this side.
package visionclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/photo-check/internal/logging"
)

const (
	ServiceName        = "vision.v1.Vision"
	MethodDetectFaces  = "/vision.v1.Vision/DetectFaces"
	MethodDetectHands  = "/vision.v1.Vision/DetectHands"
	defaultDialTimeout = 5 * time.Second
)

// ErrMalformedReply is returned when the sidecar answers with an unexpected shape.
var ErrMalformedReply = errors.New("malformed sidecar reply")

// ErrNotServing is returned by Ready when the health service reports anything but SERVING.
var ErrNotServing = errors.New("vision sidecar not serving")

// Face is a detected face in pixel coordinates of the submitted image.
type Face struct {
	X, Y, W, H int
	Confidence float64
}

// Point is a landmark in coordinates normalized to [0,1].
type Point struct {
	X, Y float64
}

// Hand carries the 21 landmarks of one detected hand.
type Hand struct {
	Landmarks []Point
}

// Client is safe for concurrent use.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	logger *zap.Logger
}

// Dial returns a ready-to-use client for the sidecar at addr.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("visionclient.dial", "", err)
		logger.Error("failed to dial vision sidecar", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return New(conn, logger), nil
}

// New wraps an existing connection.
func New(conn *grpc.ClientConn, logger *zap.Logger) *Client {
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn), logger: logger}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ready checks the sidecar's health service for ServiceName.
func (c *Client) Ready(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return logging.NewOperationError("visionclient.ready", "", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return logging.NewOperationError("visionclient.ready", "",
			fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus()))
	}
	return nil
}

// DetectFaces sends a JPEG and returns the faces the sidecar found.
func (c *Client) DetectFaces(ctx context.Context, jpeg []byte) ([]Face, error) {
	resp, err := c.invoke(ctx, "visionclient.detect_faces", MethodDetectFaces, jpeg)
	if err != nil {
		return nil, err
	}
	faces, err := parseFaces(resp)
	if err != nil {
		return nil, logging.NewOperationError("visionclient.detect_faces", "", err)
	}
	return faces, nil
}

// DetectHands sends a JPEG and returns every hand with its landmarks.
func (c *Client) DetectHands(ctx context.Context, jpeg []byte) ([]Hand, error) {
	resp, err := c.invoke(ctx, "visionclient.detect_hands", MethodDetectHands, jpeg)
	if err != nil {
		return nil, err
	}
	hands, err := parseHands(resp)
	if err != nil {
		return nil, logging.NewOperationError("visionclient.detect_hands", "", err)
	}
	return hands, nil
}

func (c *Client) invoke(ctx context.Context, op, method string, jpeg []byte) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, wrapperspb.Bytes(jpeg), resp); err != nil {
		wrapped := logging.NewOperationError(op, "", err)
		c.logger.Warn("vision sidecar call failed", zap.Error(wrapped), zap.String("method", method))
		return nil, wrapped
	}
	return resp, nil
}

func parseFaces(resp *structpb.Struct) ([]Face, error) {
	list, ok := resp.GetFields()["faces"]
	if !ok {
		return nil, fmt.Errorf("%w: missing faces", ErrMalformedReply)
	}
	values := list.GetListValue().GetValues()
	faces := make([]Face, 0, len(values))
	for i, v := range values {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("%w: face %d is not an object", ErrMalformedReply, i)
		}
		f := s.GetFields()
		faces = append(faces, Face{
			X:          int(f["x"].GetNumberValue()),
			Y:          int(f["y"].GetNumberValue()),
			W:          int(f["w"].GetNumberValue()),
			H:          int(f["h"].GetNumberValue()),
			Confidence: f["confidence"].GetNumberValue(),
		})
	}
	return faces, nil
}

func parseHands(resp *structpb.Struct) ([]Hand, error) {
	list, ok := resp.GetFields()["hands"]
	if !ok {
		return nil, fmt.Errorf("%w: missing hands", ErrMalformedReply)
	}
	values := list.GetListValue().GetValues()
	hands := make([]Hand, 0, len(values))
	for i, v := range values {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("%w: hand %d is not an object", ErrMalformedReply, i)
		}
		raw := s.GetFields()["landmarks"].GetListValue().GetValues()
		points := make([]Point, 0, len(raw))
		for _, lv := range raw {
			p := lv.GetStructValue().GetFields()
			points = append(points, Point{X: p["x"].GetNumberValue(), Y: p["y"].GetNumberValue()})
		}
		hands = append(hands, Hand{Landmarks: points})
	}
	return hands, nil
}
