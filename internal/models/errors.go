package models

import "errors"

// Application-wide standard errors
var (
	// Common resource/DB errors
	ErrNotFound         = errors.New("resource not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSceneNotFound    = errors.New("scene not found")
	ErrRulesetNotFound  = errors.New("ruleset not found")
	ErrScenarioNotFound = errors.New("scenario not found")

	// Turn execution errors
	ErrConcurrencyConflict = errors.New("session scene pointer changed mid-turn")
	ErrValidationFailure   = errors.New("model output failed validation after repair and retry")
	ErrOperationRejected   = errors.New("state operation rejected")
	ErrSchemaMismatch      = errors.New("stored content inconsistent with schema expectations")
	ErrTransport           = errors.New("model transport failure")

	// General request/server errors
	ErrInternalServer = errors.New("internal server error")
	ErrBadRequest     = errors.New("bad request")
	ErrInvalidInput   = errors.New("invalid input data")
)
