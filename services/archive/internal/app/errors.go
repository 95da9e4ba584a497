package app

import "errors"

var (
	ErrStoryNotFound  = errors.New("story not found")
	ErrStoryForbidden = errors.New("story belongs to another author")
	// ErrInvalidUpload indicates an empty or mistyped blob upload.
	ErrInvalidUpload = errors.New("invalid upload")
	ErrInvalidField  = errors.New("invalid field")
)
