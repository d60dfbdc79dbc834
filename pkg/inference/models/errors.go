package models

import (
	"errors"
)

// ErrModelNotFound is a sentinel error returned by Manager.GetModel if the
// model could not be located in the store. If returned in conjunction with an
// HTTP request, it should be paired with a 404 response status.
var ErrModelNotFound = errors.New("model not found")

// ErrUnrecognizedCheckpoint indicates that a store file could not be
// classified into any pipeline family. Scan logs and skips such files.
var ErrUnrecognizedCheckpoint = errors.New("unrecognized checkpoint format")
