package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/leafscan/internal/classifier"
	"github.com/example/leafscan/internal/logging"
)

// ClassifyMethod is the unary method served by the model runtime. The request
// is a google.protobuf.BytesValue holding the image and the response a
// google.protobuf.Struct with "class" and "confidence" fields.
const ClassifyMethod = "/leafscan.v1.Classifier/Classify"

// DialClassifier returns a ready-to-use gRPC classifier client.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (classifier.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcClassifier{conn: conn, logger: logger.Named("classifier_grpc")}, conn, nil
}

type grpcClassifier struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcClassifier) Classify(ctx context.Context, img *classifier.Image) (*classifier.Result, error) {
	if img.Empty() {
		return nil, &classifier.MalformedResponseError{Reason: "empty image"}
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, wrapperspb.Bytes(img.Data), resp); err != nil {
		g.logger.Warn("classifier call failed", zap.Error(err), zap.String("file", img.Name))
		return nil, classifyError(ctx, err)
	}

	result, err := decodeStruct(resp)
	if err != nil {
		g.logger.Warn("classifier payload rejected", zap.Error(err))
		return nil, err
	}
	return result, nil
}

// classifyError maps gRPC status codes onto the classifier error taxonomy.
// When the caller's context ended, its error is kept in the chain so callers
// can tell a deadline from a broken connection.
func classifyError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &classifier.TransportError{Err: fmt.Errorf("%w: %v", ctxErr, err)}
	}
	st, ok := status.FromError(err)
	if !ok {
		return &classifier.TransportError{Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return &classifier.TransportError{Err: err}
	default:
		return &classifier.ServerError{Status: st.Code().String(), Body: st.Message()}
	}
}

func decodeStruct(resp *structpb.Struct) (*classifier.Result, error) {
	fields := resp.GetFields()
	classValue, ok := fields["class"]
	if !ok {
		return nil, &classifier.MalformedResponseError{Reason: "missing class"}
	}
	label, ok := classValue.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, &classifier.MalformedResponseError{Reason: "class is not a string"}
	}
	confValue, ok := fields["confidence"]
	if !ok {
		return nil, &classifier.MalformedResponseError{Reason: "missing confidence"}
	}
	number, ok := confValue.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, &classifier.MalformedResponseError{Reason: "confidence is not a number"}
	}

	result := &classifier.Result{Class: label.StringValue, Confidence: number.NumberValue}
	if err := classifier.Validate(result); err != nil {
		return nil, err
	}
	return result, nil
}
