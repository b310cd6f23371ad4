package sqsclient

import (
	"errors"

	"github.com/aws/smithy-go"
	"github.com/awsmessaging/pump/internal/herrors"
)

// Severity classifies an error as Fatal (caller must stop the pump) or
// Transient (caller backs off and retries), per §4.2.
type Severity int

const (
	Transient Severity = iota
	Fatal
)

// Classifier decides whether an SQS API error is fatal or transient.
// Users may supply their own to override the defaults (§4.2).
type Classifier interface {
	Classify(err error) Severity
}

// fatalCodes are the SQS/API error codes that are fatal by default: the
// caller's only correct recovery is to stop the pump.
var fatalCodes = map[string]struct{}{
	"QueueDoesNotExist":             {},
	"AccessDenied":                  {},
	"InvalidAddress":                {},
	"KMS.AccessDeniedException":     {},
	"KMS.InvalidStateException":    {},
	"KMS.NotFoundException":        {},
	"KMS.OptInRequired":            {},
	"UnsupportedOperation":         {},
}

// DefaultClassifier implements the default fatal/transient split of §4.2:
// a known fatal code, or a framework-internal error wrapped in
// herrors.Fatal, is Fatal; everything else is Transient.
type DefaultClassifier struct{}

func (DefaultClassifier) Classify(err error) Severity {
	if err == nil {
		return Transient
	}
	if herrors.IsFatal(err) {
		return Fatal
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := fatalCodes[apiErr.ErrorCode()]; ok {
			return Fatal
		}
	}
	return Transient
}

// ErrorCode extracts the SQS/smithy error code from err, or "" if err does
// not carry one (e.g. a network error).
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
