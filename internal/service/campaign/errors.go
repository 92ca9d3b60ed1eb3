package campaign

import (
	"errors"
	"fmt"

	"github.com/ignite/campaign-notifier/internal/domain"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = fmt.Errorf("campaign %w", domain.ErrNotFound)
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("campaign was modified concurrently")
)
