package ota

import (
	"fmt"

	"github.com/RoanBrand/gota/internal/jobdoc"
	"github.com/pkg/errors"
)

// Err is an agent result code. The top byte is the main code, the low three
// bytes carry a platform or parser sub code.
type Err uint32

const (
	mainMask  Err = 0xff000000
	subMask   Err = 0x00ffffff
	mainShift     = 24
)

const (
	ErrNone          Err = 0
	ErrPanic         Err = 0xfe000000
	ErrUninitialized Err = 0xff000000

	ErrSignatureCheckFailed Err = 0x01000000
	ErrBadSignerCert        Err = 0x02000000
	ErrOutOfMemory          Err = 0x03000000
	ErrActivateFailed       Err = 0x04000000
	ErrCommitFailed         Err = 0x05000000
	ErrRejectFailed         Err = 0x06000000
	ErrAbortFailed          Err = 0x07000000
	ErrPublishFailed        Err = 0x08000000
	ErrBadImageState        Err = 0x09000000
	ErrNoActiveJob          Err = 0x0a000000
	ErrNoFreeContext        Err = 0x0b000000
	ErrFileAbort            Err = 0x10000000
	ErrFileClose            Err = 0x11000000
	ErrRxFileCreateFailed   Err = 0x12000000
	ErrBootInfoCreateFailed Err = 0x13000000
	ErrRxFileTooLarge       Err = 0x14000000
	ErrNullFilePtr          Err = 0x20000000
	ErrMomentumAbort        Err = 0x21000000
	ErrDowngradeNotAllowed  Err = 0x22000000
	ErrSameFirmwareVersion  Err = 0x23000000
	ErrJobParserError       Err = 0x24000000
	ErrFailedToEncodeCBOR   Err = 0x25000000
	ErrImageStateMismatch   Err = 0x26000000
	ErrGenericIngestError   Err = 0x27000000
	ErrUserAbort            Err = 0x28000000
	ErrResetNotSupported    Err = 0x29000000
	ErrTopicTooLarge        Err = 0x2a000000
	ErrBadFinalState        Err = 0x2b000000
	ErrSoftwareBug          Err = 0x2c000000
	ErrSelfTestTimeout      Err = 0x2d000000
)

var errNames = map[Err]string{
	ErrPanic:                "panic",
	ErrUninitialized:        "uninitialized",
	ErrSignatureCheckFailed: "signature check failed",
	ErrBadSignerCert:        "bad signer certificate",
	ErrOutOfMemory:          "out of memory",
	ErrActivateFailed:       "activate failed",
	ErrCommitFailed:         "commit failed",
	ErrRejectFailed:         "reject failed",
	ErrAbortFailed:          "abort failed",
	ErrPublishFailed:        "publish failed",
	ErrBadImageState:        "bad image state",
	ErrNoActiveJob:          "no active job",
	ErrNoFreeContext:        "no free context",
	ErrFileAbort:            "file abort",
	ErrFileClose:            "file close",
	ErrRxFileCreateFailed:   "receive file create failed",
	ErrBootInfoCreateFailed: "boot info create failed",
	ErrRxFileTooLarge:       "receive file too large",
	ErrNullFilePtr:          "null file",
	ErrMomentumAbort:        "momentum abort",
	ErrDowngradeNotAllowed:  "downgrade not allowed",
	ErrSameFirmwareVersion:  "same firmware version",
	ErrJobParserError:       "job parser error",
	ErrFailedToEncodeCBOR:   "failed to encode CBOR",
	ErrImageStateMismatch:   "image state mismatch",
	ErrGenericIngestError:   "generic ingest error",
	ErrUserAbort:            "user abort",
	ErrResetNotSupported:    "reset not supported",
	ErrTopicTooLarge:        "topic too large",
	ErrBadFinalState:        "bad final state",
	ErrSoftwareBug:          "software bug",
	ErrSelfTestTimeout:      "self test timeout",
}

// Main returns the main code with the sub code cleared.
func (e Err) Main() Err {
	return e & mainMask
}

// Sub returns the platform or parser sub code.
func (e Err) Sub() uint32 {
	return uint32(e & subMask)
}

// WithSub returns the main code of e carrying sub.
func (e Err) WithSub(sub uint32) Err {
	return e.Main() | Err(sub)&subMask
}

func (e Err) Error() string {
	name, ok := errNames[e.Main()]
	if !ok {
		name = fmt.Sprintf("error 0x%02x", uint32(e)>>mainShift)
	}
	if e.Sub() != 0 {
		return fmt.Sprintf("ota: %s (0x%06x)", name, e.Sub())
	}
	return "ota: " + name
}

// Code returns the Err behind err. Job document errors become
// ErrJobParserError carrying the parser code. Other errors are ErrSoftwareBug.
func Code(err error) Err {
	if err == nil {
		return ErrNone
	}
	switch e := errors.Cause(err).(type) {
	case Err:
		return e
	case jobdoc.Error:
		return ErrJobParserError.WithSub(uint32(e))
	}
	return ErrSoftwareBug
}
