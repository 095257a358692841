package service

import "errors"

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidRange = errors.New("invalid date range")
)
