package gemini

import "errors"

var (
	// ErrInvalidConfig is returned when the segmenter cannot be built from
	// its configuration.
	ErrInvalidConfig = errors.New("invalid gemini configuration")

	// ErrEmptyText is returned for a segmentation request without text.
	ErrEmptyText = errors.New("text to segment cannot be empty")

	// ErrInvalidResponse is returned when the model answered without usable
	// text. It is not retried.
	ErrInvalidResponse = errors.New("invalid response from gemini")

	// ErrContentBlocked is returned when safety filters stopped the answer.
	ErrContentBlocked = errors.New("content blocked by gemini safety filters")

	// ErrTransientFailure is returned once retries are exhausted.
	ErrTransientFailure = errors.New("gemini call failed after retries")
)
