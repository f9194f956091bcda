package service

import "context"

// ConfirmationResponse is the verdict a ConfirmationHandler returns for one
// pending tool call.
type ConfirmationResponse string

const (
	ConfirmationApproved   ConfirmationResponse = "approved"
	ConfirmationApproveAll ConfirmationResponse = "approve_all"
	ConfirmationDenied     ConfirmationResponse = "denied"
	ConfirmationTimeout    ConfirmationResponse = "timeout"
)

// ConfirmationRequest carries everything a human-facing surface needs to
// render a confirmation prompt for one pending tool call.
type ConfirmationRequest struct {
	ID          string
	ToolName    string
	Arguments   map[string]interface{}
	Description string
}

// ConfirmationHandler is responsible for any out-of-band interaction (stdio
// prompt, inline-keyboard push, timeout enforcement) needed to resolve a
// pending tool call. It must be idempotent relative to request.ID — calling
// Confirm twice for the same ID must not double-prompt or double-count.
type ConfirmationHandler interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (ConfirmationResponse, error)
}

// resolveConfirmation normalizes a handler error or a Timeout verdict to
// Denied, matching spec §5's "a Timeout response is treated as Denied".
func resolveConfirmation(resp ConfirmationResponse, err error) ConfirmationResponse {
	if err != nil {
		return ConfirmationDenied
	}
	if resp == ConfirmationTimeout {
		return ConfirmationDenied
	}
	return resp
}

// AutoApproveHandler always approves, useful for tests and non-interactive
// runs where every tool has already been vetted at the policy layer.
type AutoApproveHandler struct{}

func (AutoApproveHandler) Confirm(context.Context, ConfirmationRequest) (ConfirmationResponse, error) {
	return ConfirmationApproved, nil
}

var _ ConfirmationHandler = AutoApproveHandler{}

// DenyAllHandler always denies, useful for tests exercising the denial path.
type DenyAllHandler struct{}

func (DenyAllHandler) Confirm(context.Context, ConfirmationRequest) (ConfirmationResponse, error) {
	return ConfirmationDenied, nil
}

var _ ConfirmationHandler = DenyAllHandler{}
