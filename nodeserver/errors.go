package nodeserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/phonghmnguyen/ke0lock/container"
	"github.com/phonghmnguyen/ke0lock/interceptor"
	"github.com/phonghmnguyen/ke0lock/lock"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/raft"
)

// toStatus maps pipeline failures to gRPC status errors, errors that already carry a status are kept
func toStatus(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	var perr *pipeline.PanicError
	switch {
	case errors.Is(err, lock.ErrLockTimeout):
		return status.Error(codes.Aborted, err.Error())

	case errors.Is(err, raft.ErrNotRaftLeader):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, raft.ErrReplicationUnavailable):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, container.ErrUnsupportedCommand),
		errors.Is(err, container.ErrMissingMutator),
		errors.Is(err, interceptor.ErrUnsupportedCommand):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.As(err, &perr):
		return status.Error(codes.Internal, perr.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
