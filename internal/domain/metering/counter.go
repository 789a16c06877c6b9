package metering

import "time"

// UsageCounter is the running per-subscriber total for one billing dimension.
// It is monotonically increasing: the Submitter only ever adds the summed
// quantity of a successfully billed group, never overwrites.
type UsageCounter struct {
	ProductCode       string    `json:"productCode"`
	CustomerAccountID string    `json:"customerAccountId"`
	Dimension         string    `json:"dimension"`
	Total             int64     `json:"total"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
