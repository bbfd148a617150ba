package grpc

import (
	"context"
	"errors"

	"github.com/example/tableside/pkg/apperrors"
	"github.com/example/tableside/pkg/models"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const errorDomain = "tableside.orders"

func grpcCode(err error) codes.Code {
	switch {
	case apperrors.IsValidation(err):
		return codes.InvalidArgument
	case apperrors.IsInvalidTransition(err), apperrors.IsConflict(err):
		return codes.FailedPrecondition
	case apperrors.IsConcurrency(err):
		return codes.Aborted
	case apperrors.IsNotFound(err):
		return codes.NotFound
	case apperrors.IsStoreTimeout(err):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// toStatus turns a domain error into a status carrying an ErrorInfo, which
// fromStatus turns back into the same *apperrors.OrderError.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var oe *apperrors.OrderError
	if !errors.As(err, &oe) {
		code := grpcCode(err)
		if code == codes.Internal {
			return status.Error(code, "internal error")
		}
		return status.Error(code, err.Error())
	}

	st := status.New(grpcCode(err), oe.Error())
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: oe.Code,
		Domain: errorDomain,
		Metadata: map[string]string{
			"kind":     apperrors.KindName(err),
			"op":       oe.Op,
			"order_id": oe.OrderID,
			"from":     string(oe.From),
			"to":       string(oe.To),
		},
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		md := info.GetMetadata()
		kind, ok := apperrors.KindFromName(md["kind"])
		if !ok {
			break
		}
		return &apperrors.OrderError{
			Kind:    kind,
			Code:    info.GetReason(),
			Op:      md["op"],
			OrderID: md["order_id"],
			From:    models.Status(md["from"]),
			To:      models.Status(md["to"]),
			Reason:  st.Message(),
		}
	}
	return err
}
