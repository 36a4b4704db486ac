package server

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/pbft/core/dto"
	"github.com/vadiminshakov/pbft/core/node"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/core/replica"
	"github.com/vadiminshakov/pbft/io/gateway/grpc/api"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func decisionToAPI(d dto.Decision) *api.DecisionResponse {
	return &api.DecisionResponse{
		ProposalKey: d.ProposalKey,
		Status:      string(d.Status),
		Valid:       d.Valid,
		Stage:       d.Stage,
	}
}

func historyToAPI(key string, history []proposal.Proposal) *api.HistoryResponse {
	stages := make([]string, 0, len(history))
	for _, p := range history {
		stages = append(stages, p.Stage.String())
	}
	return &api.HistoryResponse{ProposalKey: key, Stages: stages}
}

func infoToAPI(info dto.NodeInfo) *api.NodeInfoResponse {
	return &api.NodeInfoResponse{
		PeerID:         info.PeerID,
		Primary:        info.Primary,
		IsPrimary:      info.IsPrimary,
		PeerCount:      info.PeerCount,
		FaultTolerance: info.FaultTolerance,
		Quorum:         info.Quorum,
		InFlight:       info.InFlight,
		Decided:        info.Decided,
	}
}

// toStatus maps consensus errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, replica.ErrRoleViolation):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, replica.ErrStale):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, node.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
