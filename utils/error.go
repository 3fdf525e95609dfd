package utils

import "errors"

var (
	ErrorRecordNotFound = errors.New("record not found")
	ErrorLockHeld       = errors.New("resource is locked by another request")
)
