package metering

import (
	"fmt"
	"strings"
)

// BuildFailureReport renders the consolidated operator notification for a
// batch: one subject plus one body section per rejected group with the raw
// error and the remediation hint from its classification.
func BuildFailureReport(failures []GroupFailure) (subject, body string) {
	subject = fmt.Sprintf("Usage metering: %d submission(s) rejected", len(failures))

	var b strings.Builder
	fmt.Fprintf(&b, "The following usage submissions were rejected by the billing authority.\n")
	fmt.Fprintf(&b, "Records are marked failed; reset them to pending only where the hint says it is safe.\n")

	for i, f := range failures {
		fmt.Fprintf(&b, "\n%d. product=%s customer=%s dimension=%s quantity=%d\n",
			i+1, f.Group.ProductCode, f.Group.CustomerAccountID, f.Group.Dimension, f.Group.Quantity)
		fmt.Fprintf(&b, "   class: %s\n", f.Classification.Class)
		fmt.Fprintf(&b, "   error: %v\n", f.Err)
		fmt.Fprintf(&b, "   hint:  %s\n", f.Classification.Hint)
	}

	return subject, b.String()
}
