package metering

import "strings"

// FailureClass buckets a billing rejection for operator remediation
type FailureClass string

const (
	FailureClassInvalidProduct   FailureClass = "INVALID_PRODUCT_CODE"
	FailureClassInvalidDimension FailureClass = "INVALID_USAGE_DIMENSION"
	FailureClassInvalidCustomer  FailureClass = "INVALID_CUSTOMER_IDENTIFIER"
	FailureClassTimestampExpired FailureClass = "TIMESTAMP_OUT_OF_BOUNDS"
	FailureClassThrottled        FailureClass = "THROTTLED"
	FailureClassUnknown          FailureClass = "UNKNOWN"
)

// String returns the string representation of FailureClass
func (c FailureClass) String() string {
	return string(c)
}

// Classification is the operator-facing interpretation of a billing rejection
type Classification struct {
	// Class is the failure bucket
	Class FailureClass

	// Hint tells the operator how to remediate
	Hint string

	// SafeToReset is true when the underlying records can simply be flipped
	// back to pending and resubmitted on the next cycle
	SafeToReset bool
}

// Remediation hints per failure class
const (
	hintInvalidProduct   = "Verify the product code against the marketplace listing."
	hintInvalidDimension = "Dimension names are case-sensitive; compare against the marketplace listing."
	hintInvalidCustomer  = "Verify the customer completed registration with the marketplace."
	hintTimestampExpired = "Submission missed the platform deadline and cannot be retried as-is; re-observe the usage with a fresh timestamp."
	hintThrottled        = "Transient rate limit; records are safe to reset to pending for the next cycle."
	hintUnknown          = "Unrecognized rejection; check the metering configuration."
)

// ClassifyFailure maps a raw billing API error to a failure class and
// remediation hint. Matching is case-insensitive on the error text, which
// covers both human-readable messages and the marketplace API's exception
// names (e.g. InvalidUsageDimensionException).
func ClassifyFailure(err error) Classification {
	if err == nil {
		return Classification{Class: FailureClassUnknown, Hint: hintUnknown}
	}

	signal := strings.ToLower(err.Error())

	switch {
	case strings.Contains(signal, "invalid product code") || strings.Contains(signal, "invalidproductcode"):
		return Classification{Class: FailureClassInvalidProduct, Hint: hintInvalidProduct}
	case strings.Contains(signal, "invalid usage dimension") || strings.Contains(signal, "invalidusagedimension"):
		return Classification{Class: FailureClassInvalidDimension, Hint: hintInvalidDimension}
	case strings.Contains(signal, "invalid customer identifier") || strings.Contains(signal, "invalidcustomeridentifier"):
		return Classification{Class: FailureClassInvalidCustomer, Hint: hintInvalidCustomer}
	case strings.Contains(signal, "timestamp out of bounds") || strings.Contains(signal, "timestampoutofbounds"):
		return Classification{Class: FailureClassTimestampExpired, Hint: hintTimestampExpired}
	case strings.Contains(signal, "throttl"):
		return Classification{Class: FailureClassThrottled, Hint: hintThrottled, SafeToReset: true}
	default:
		return Classification{Class: FailureClassUnknown, Hint: hintUnknown}
	}
}
