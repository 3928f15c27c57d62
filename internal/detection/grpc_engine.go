package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	detectionServiceName = "detection.v1.DetectionService"
	detectMethod         = "/" + detectionServiceName + "/Detect"
)

// GRPCEngine calls a unary Detect RPC. Requests and responses are
// google.protobuf.Struct messages:
//
//	request:  {"image": <base64 jpeg>, "conf": 0.3, "imgsz": 224}
//	response: {"detections": [{"label": "person", "confidence": 0.91}]}
type GRPCEngine struct {
	conn  grpc.ClientConnInterface
	close func() error
}

// DialGRPCEngine connects to a detection service at target.
func DialGRPCEngine(target string, opts ...grpc.DialOption) (*GRPCEngine, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial detection service: %w", err)
	}
	return &GRPCEngine{conn: conn, close: conn.Close}, nil
}

// NewGRPCEngine wraps an existing connection. Close is then a no-op.
func NewGRPCEngine(conn grpc.ClientConnInterface) *GRPCEngine {
	return &GRPCEngine{conn: conn}
}

func (e *GRPCEngine) Close() error {
	if e.close == nil {
		return nil
	}
	return e.close()
}

func (e *GRPCEngine) Detect(ctx context.Context, image []byte, p Params) ([]Detection, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(image),
		"conf":  p.ConfidenceFloor,
		"imgsz": p.ImageSize,
	})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := e.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("detect rpc failed: %w", err)
	}
	return detectionsFromStruct(resp)
}

func detectionsFromStruct(s *structpb.Struct) ([]Detection, error) {
	list := s.GetFields()["detections"].GetListValue()
	dets := make([]Detection, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		box := v.GetStructValue()
		if box == nil {
			return nil, fmt.Errorf("detection %d is not an object", i)
		}
		dets = append(dets, Detection{
			Label:      box.GetFields()["label"].GetStringValue(),
			Confidence: box.GetFields()["confidence"].GetNumberValue(),
		})
	}
	return dets, nil
}

func detectionsToStruct(dets []Detection) (*structpb.Struct, error) {
	boxes := make([]interface{}, len(dets))
	for i, d := range dets {
		boxes[i] = map[string]interface{}{"label": d.Label, "confidence": d.Confidence}
	}
	return structpb.NewStruct(map[string]interface{}{"detections": boxes})
}

// RegisterDetectionService exposes engine as a Detect RPC on s, so one
// process holding the model can serve others.
func RegisterDetectionService(s grpc.ServiceRegistrar, engine Engine) {
	s.RegisterService(&detectionServiceDesc, engine)
}

var detectionServiceDesc = grpc.ServiceDesc{
	ServiceName: detectionServiceName,
	HandlerType: (*Engine)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "detection/v1/detection.proto",
}

func detectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return serveDetect(ctx, srv.(Engine), req.(*structpb.Struct))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detectMethod}
	return interceptor(ctx, in, info, handler)
}

func serveDetect(ctx context.Context, engine Engine, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	image, err := base64.StdEncoding.DecodeString(fields["image"].GetStringValue())
	if err != nil || len(image) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image must be non-empty base64")
	}
	p := DefaultParams()
	if v, ok := fields["conf"]; ok {
		p.ConfidenceFloor = v.GetNumberValue()
	}
	if v, ok := fields["imgsz"]; ok {
		p.ImageSize = int(v.GetNumberValue())
	}

	dets, err := engine.Detect(ctx, image, p)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "detect: %v", err)
	}
	return detectionsToStruct(FilterFloor(dets, p.ConfidenceFloor))
}
