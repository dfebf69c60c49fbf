package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// Classify maps a raw connect/registration failure onto the error taxonomy. Installation
// limit failures need a different remedy than a retry, so they get their own sentinel.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrInstallationLimit) || errors.Is(err, types.ErrRegistration) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrTimeout, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "installation") && (strings.Contains(msg, "limit") || strings.Contains(msg, "too many")):
		return fmt.Errorf("%w (%v)", types.ErrInstallationLimit, err)
	case strings.Contains(msg, "register") || strings.Contains(msg, "signature"):
		return fmt.Errorf("%w: %v", types.ErrRegistration, err)
	}
	return err
}

// IsRegistrationFailure reports failures that should start the lookup cooldown.
func IsRegistrationFailure(err error) bool {
	return errors.Is(err, types.ErrRegistration) || errors.Is(err, types.ErrInstallationLimit)
}

// WithTimeout runs fn under a deadline detached from ctx's cancellation, so a shared
// in-flight call is not aborted when the first caller gives up. Deadline overruns map to
// types.ErrTimeout.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, what string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	v, err := fn(callCtx)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
		var zero T
		return zero, fmt.Errorf("%w: %s did not answer within %s", types.ErrTimeout, what, timeout)
	}
	return v, err
}
