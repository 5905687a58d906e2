package handlers

import (
	"context"
	"fmt"

	"github.com/menulens/menulens/libs/plan"
)

// ConfirmationRequiredError aborts a purchase step the client has not yet
// acknowledged. The handler turns it into a 409 so the client can retry the
// same request with the matching confirm flag set.
type ConfirmationRequiredError struct {
	Kind string // "switch" or "mock"
	From plan.Type
	To   plan.Type
}

func (e *ConfirmationRequiredError) Error() string {
	if e.Kind == "switch" {
		return fmt.Sprintf("confirmation required to switch from %s to %s", e.From, e.To)
	}
	return "confirmation required for sandbox test purchase"
}

type confirmFlags struct {
	switchOK bool
	mockOK   bool
}

type confirmFlagsKey struct{}

func withConfirmations(ctx context.Context, switchOK, mockOK bool) context.Context {
	return context.WithValue(ctx, confirmFlagsKey{}, confirmFlags{switchOK: switchOK, mockOK: mockOK})
}

func confirmationsFrom(ctx context.Context) confirmFlags {
	f, _ := ctx.Value(confirmFlagsKey{}).(confirmFlags)
	return f
}

// RequestConfirmer answers confirmation prompts from flags the HTTP request
// carried. Absent flags mean the client has not asked the user yet.
type RequestConfirmer struct{}

func (RequestConfirmer) ConfirmSwitch(ctx context.Context, from, to plan.Type) (bool, error) {
	if confirmationsFrom(ctx).switchOK {
		return true, nil
	}
	return false, &ConfirmationRequiredError{Kind: "switch", From: from, To: to}
}

func (RequestConfirmer) ConfirmMock(ctx context.Context) (bool, error) {
	if confirmationsFrom(ctx).mockOK {
		return true, nil
	}
	return false, &ConfirmationRequiredError{Kind: "mock"}
}
