package llm

import (
	"context"
	"errors"
	"strings"
)

// errClass buckets a provider error for the gateway's recovery protocol.
type errClass int

const (
	// classTransient covers timeouts and other errors worth a bounded
	// blind retry before downgrading.
	classTransient errClass = iota

	// classRateLimit means the provider asked us to slow down. Retried
	// after a fixed backoff; never counted against retry budgets.
	classRateLimit

	// classVision means the model rejected image input. Recovered by
	// stripping images from history and disabling vision for the rest
	// of the session.
	classVision

	// classCompat covers tool/schema/feature incompatibilities and any
	// unclassified provider rejection. Recovered by staged downgrade.
	classCompat
)

// classify inspects a provider error and assigns it a recovery class.
// Providers surface errors as wrapped HTTP status text, so matching is
// necessarily string-based; vision is checked before the generic 4xx
// bucket because image rejections usually arrive as a 400.
func classify(err error) errClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return classTransient
	}

	msg := strings.ToLower(err.Error())

	for _, marker := range []string{"image", "vision", "cannot accept image"} {
		if strings.Contains(msg, marker) {
			return classVision
		}
	}

	for _, marker := range []string{"429", "rate", "limit"} {
		if strings.Contains(msg, marker) {
			return classRateLimit
		}
	}

	for _, marker := range []string{
		"400", "401", "403",
		"not supported", "unsupported",
		"schema", "invalid",
	} {
		if strings.Contains(msg, marker) {
			return classCompat
		}
	}

	// Network-level hiccups (connection reset, EOF) get one more shot
	// before the downgrade machinery kicks in.
	for _, marker := range []string{"timeout", "deadline", "connection", "eof"} {
		if strings.Contains(msg, marker) {
			return classTransient
		}
	}

	return classCompat
}
