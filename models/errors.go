package models

import "errors"

var (

	// repository/queue errors
	ErrNotFound     = errors.New("attachment not found")
	ErrInvalidState = errors.New("attachment is in an invalid state for this operation")
)
