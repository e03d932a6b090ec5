package notification

import "strings"

// Classification is the classifier verdict for one provider failure.
type Classification struct {
	Kind      ErrorKind
	Retryable bool
}

// transient transport error codes, matched against ProviderError.ErrorCode.
var networkErrorCodes = map[string]bool{
	"ETIMEDOUT":    true,
	"ECONNREFUSED": true,
	"ENOTFOUND":    true,
	"ECONNRESET":   true,
}

// Classify maps a provider failure to its kind and retryability. Rules are
// evaluated top to bottom; the first match wins. Message matching is
// case-insensitive.
//
// The retryable bit is the sole gate the worker consults; the kind feeds
// the error log and analytics.
func Classify(e *ProviderError) Classification {
	msg := strings.ToLower(e.Message)

	switch {
	case networkErrorCodes[e.ErrorCode],
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "network"):
		return Classification{ErrorKindNetwork, true}

	case e.StatusCode == 429, strings.Contains(msg, "rate limit"):
		return Classification{ErrorKindRateLimit, true}

	case e.StatusCode == 502, e.StatusCode == 503,
		strings.Contains(msg, "service unavailable"):
		return Classification{ErrorKindNetwork, true}

	case e.StatusCode == 401, e.StatusCode == 403,
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"):
		return Classification{ErrorKindAuth, false}

	case e.ErrorCode == ErrCodeNotConfigured:
		return Classification{ErrorKindInvalidData, false}

	case e.StatusCode == 400,
		strings.Contains(msg, "invalid"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "bad request"):
		return Classification{ErrorKindInvalidData, false}

	case e.ProviderName != "":
		// Provider-tagged failure with no sharper match. Retry by default:
		// a provider that wanted a hard stop would have said so above.
		return Classification{ErrorKindProvider, true}

	default:
		return Classification{ErrorKindRetryable, true}
	}
}
