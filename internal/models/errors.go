package models

import "errors"

// Validation errors surfaced before the pipeline starts.
var (
	ErrEmptyQuery        = errors.New("query is empty after trimming")
	ErrContextLimitRange = errors.New("context_limit must be between 1 and 20")
)
