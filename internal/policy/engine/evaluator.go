package engine

import (
	"context"
	"log"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"commitment-escrow/backend/internal/challenge/domain"
)

// Action names a caller operation on a challenge.
type Action string

const (
	ActionView           Action = "view"
	ActionAccept         Action = "accept"
	ActionFund           Action = "fund"
	ActionSubmitProof    Action = "submit_proof"
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionVote           Action = "vote"
	ActionFinalize       Action = "finalize"
	ActionReconcile      Action = "reconcile"
	ActionReportProgress Action = "report_progress"
)

// Authorizer decides whether a caller may perform an action on a challenge.
type Authorizer interface {
	// Allow returns false when the caller's role does not permit the action.
	// An error means the policy could not be evaluated; callers must treat it as a denial.
	Allow(ctx context.Context, action Action, callerID string, c *domain.Challenge) (bool, error)
}

// Require returns a PermissionDenied status error unless a allows callerID to perform action on c.
// Evaluation errors are logged and treated as a denial.
func Require(ctx context.Context, a Authorizer, action Action, callerID string, c *domain.Challenge) error {
	if a == nil {
		return status.Error(codes.Internal, "authorization policy is not configured")
	}
	ok, err := a.Allow(ctx, action, callerID, c)
	if err != nil {
		log.Printf("policy: evaluate %s by %s: %v", action, callerID, err)
		return status.Error(codes.PermissionDenied, "not permitted")
	}
	if !ok {
		return status.Errorf(codes.PermissionDenied, "caller may not %s this challenge", strings.ReplaceAll(string(action), "_", " "))
	}
	return nil
}
