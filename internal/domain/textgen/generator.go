package textgen

import (
	"context"
	"fmt"
)

// ErrUnavailable is returned when the backend could not produce any text.
var ErrUnavailable = fmt.Errorf("text generator unavailable")

// Generator produces text from a prompt. It backs both the response judge and the summarizer.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
