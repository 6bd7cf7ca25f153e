package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fable-server/internal/models"
)

// Repair is handed back to the model with the invalid output and the
// validation errors so it can correct itself.
type Repair struct {
	InvalidOutput string   `json:"invalid_output"`
	Errors        []string `json:"errors"`
}

// Invoke performs one model call for a step. A nil repair means a fresh call
// from the original inputs; a non-nil repair means a correction call.
// Transport-level retries happen inside the implementation.
type Invoke func(ctx context.Context, repair *Repair) (string, error)

// Run drives the contract policy for one step: validate the raw output, on
// failure issue exactly one repair call, on repeated failure one full retry
// from the original inputs, and on a third failure return a terminal
// validation error. Returns the decoded output plus the accepted JSON
// document for event logging.
func Run[T any](
	ctx context.Context,
	logger *zap.Logger,
	step string,
	invoke Invoke,
	check func(doc json.RawMessage) (*T, []string),
) (*T, json.RawMessage, error) {
	attempt := func(repair *Repair) (*T, json.RawMessage, []string, error) {
		raw, err := invoke(ctx, repair)
		if err != nil {
			return nil, nil, nil, err
		}
		doc, err := Normalize(raw)
		if err != nil {
			return nil, nil, []string{fmt.Sprintf("response contains no JSON document (%v)", err)}, nil
		}
		out, verrs := check(doc)
		return out, doc, verrs, nil
	}

	// First pass from the original inputs.
	out, doc, verrs, err := attempt(nil)
	if err != nil {
		return nil, nil, err
	}
	if len(verrs) == 0 {
		return out, doc, nil
	}
	logger.Warn("step output failed validation, issuing repair",
		zap.String("step", step), zap.Strings("errors", verrs))

	// One repair pass carrying the invalid output and its errors.
	repair := &Repair{InvalidOutput: string(doc), Errors: verrs}
	out, doc, verrs, err = attempt(repair)
	if err != nil {
		return nil, nil, err
	}
	if len(verrs) == 0 {
		return out, doc, nil
	}
	logger.Warn("repair output failed validation, retrying step from scratch",
		zap.String("step", step), zap.Strings("errors", verrs))

	// One full retry from the original inputs.
	out, doc, verrs, err = attempt(nil)
	if err != nil {
		return nil, nil, err
	}
	if len(verrs) == 0 {
		return out, doc, nil
	}

	logger.Error("step output rejected after repair and retry",
		zap.String("step", step), zap.Strings("errors", verrs))
	return nil, nil, fmt.Errorf("%w: step %s: %s",
		models.ErrValidationFailure, step, strings.Join(verrs, "; "))
}
