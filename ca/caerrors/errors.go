// Package caerrors defines the typed error taxonomy used by the CA
// core (jail, crypto/openssl, ca), mirroring the boulder errors
// package's ErrorType/BoulderError shape.
package caerrors

import "fmt"

// ErrorType distinguishes the CA core's failure categories.
type ErrorType int

const (
	_ ErrorType = iota
	GenPrivateKey
	GenCSR
	GenCACertificate
	GenCRL
	SignCACertificate
	ChrootWriteFileExists
	ChrootCommandFailed
	CertConfigNotFound
	ProfileNotFound
	MultipleProfilesFound
)

// CAError carries a category plus a human-readable detail, the same
// shape as boulder's BoulderError.
type CAError struct {
	Type   ErrorType
	Detail string
}

func (e *CAError) Error() string {
	return e.Detail
}

// New constructs a CAError of the given type.
func New(t ErrorType, msg string, args ...interface{}) error {
	return &CAError{Type: t, Detail: fmt.Sprintf(msg, args...)}
}

// Is reports whether err is a CAError of type t.
func Is(err error, t ErrorType) bool {
	ce, ok := err.(*CAError)
	return ok && ce.Type == t
}

func GenPrivateKeyError(msg string, args ...interface{}) error {
	return New(GenPrivateKey, msg, args...)
}

func GenCSRError(msg string, args ...interface{}) error {
	return New(GenCSR, msg, args...)
}

func GenCACertificateError(msg string, args ...interface{}) error {
	return New(GenCACertificate, msg, args...)
}

func GenCRLError(msg string, args ...interface{}) error {
	return New(GenCRL, msg, args...)
}

func SignCACertificateError(msg string, args ...interface{}) error {
	return New(SignCACertificate, msg, args...)
}

func ChrootWriteFileExistsError(msg string, args ...interface{}) error {
	return New(ChrootWriteFileExists, msg, args...)
}

func ChrootCommandFailedError(msg string, args ...interface{}) error {
	return New(ChrootCommandFailed, msg, args...)
}

func CertConfigNotFoundError(msg string, args ...interface{}) error {
	return New(CertConfigNotFound, msg, args...)
}

func ProfileNotFoundError(msg string, args ...interface{}) error {
	return New(ProfileNotFound, msg, args...)
}

func MultipleProfilesFoundError(msg string, args ...interface{}) error {
	return New(MultipleProfilesFound, msg, args...)
}
