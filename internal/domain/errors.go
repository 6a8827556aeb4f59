package domain

import "errors"

var (
	ErrTransport         = errors.New("backend unreachable")
	ErrBackendRejected   = errors.New("backend rejected request")
	ErrMalformedResponse = errors.New("malformed backend response")
	ErrJobStart          = errors.New("job start failed")
	ErrImageDecode       = errors.New("image decode failed")
	ErrAlbumUpdate       = errors.New("album update failed")
	ErrTimeout           = errors.New("generation timed out")
	ErrCancelled         = errors.New("generation cancelled")
	ErrInvalidRequest    = errors.New("invalid generation request")
	ErrSessionBusy       = errors.New("generation already in progress")
)
