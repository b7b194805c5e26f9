package domain

import "errors"

var (
	ErrNotFound          = errors.New("experiment_not_found")
	ErrVersionConflict   = errors.New("experiment_version_conflict")
	ErrInvalidID         = errors.New("invalid_experiment_id")
	ErrInvalidOwner      = errors.New("invalid_owner")
	ErrInvalidVideo      = errors.New("invalid_video")
	ErrInvalidVariants   = errors.New("invalid_variant_count")
	ErrBlankVariant      = errors.New("blank_variant")
	ErrDuplicateVariant  = errors.New("duplicate_variant")
	ErrVariantTooLong    = errors.New("variant_too_long")
	ErrInvalidInterval   = errors.New("invalid_rotation_interval")
	ErrInvalidWindow     = errors.New("invalid_window")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrNotTerminal       = errors.New("experiment_not_terminal")
	ErrArchived          = errors.New("experiment_archived")
)
