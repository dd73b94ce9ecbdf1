package phaserunner

import (
	"regexp"
	"strings"

	"github.com/jorge-barreto/pipeline/internal/errs"
)

// failurePatterns maps a regex matched against the stderr tail to a
// FailureKind. Checked in order; first match wins.
var failurePatterns = []struct {
	kind errs.FailureKind
	re   *regexp.Regexp
}{
	{errs.FailureOOM, regexp.MustCompile(`(?i)out of memory|oom[_\s-]?killed|cuda out of memory|memoryerror`)},
	{errs.FailureTimeout, regexp.MustCompile(`(?i)timed? ?out|deadline exceeded`)},
	{errs.FailureTruncation, regexp.MustCompile(`(?i)truncat|incomplete (write|output)|unexpected eof`)},
	{errs.FailureQuality, regexp.MustCompile(`(?i)hallucinat|quality (check|gate) failed|low confidence`)},
	{errs.FailureSchema, regexp.MustCompile(`(?i)validationerror|schema (validation )?failed|invalid (pipeline )?state`)},
	{errs.FailureIO, regexp.MustCompile(`(?i)no such file or directory|permission denied|filenotfounderror|ioerror`)},
}

// CategorizeFailure inspects a subprocess's captured stderr tail and maps
// it to a FailureKind for the Advisor and the retry policy. An unmatched
// tail categorizes as unknown (retryable — we have no reason to believe
// retrying won't help).
func CategorizeFailure(stderrTail string) errs.FailureKind {
	lower := strings.ToLower(stderrTail)
	for _, p := range failurePatterns {
		if p.re.MatchString(lower) {
			return p.kind
		}
	}
	return errs.FailureUnknown
}
