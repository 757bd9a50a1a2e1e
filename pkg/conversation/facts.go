package conversation

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/harunnryd/outcall/pkg/errorsx"
)

// Fact names produced by Extract.
const (
	FactSimCount  = "sim_count"
	FactUncertain = "uncertain"
	// FactSMSAnswer is "yes", "no", or "unknown" when the caller answered
	// the suspicious-SMS question without a clear yes or no.
	FactSMSAnswer = "sms_answer"
	// FactCarriers lists the billing carriers the caller named, comma
	// separated in order of first mention.
	FactCarriers = "carriers"
)

const SMSUnknown = "unknown"

// ErrExtraction reports a recognized pattern whose value could not be used.
// It never stops the conversation; the fact is simply left unset.
var ErrExtraction = errors.New("fact extraction failed")

// Facts maps a fact name to its value. Entries are added or overwritten,
// never removed.
type Facts map[string]string

// Clone returns an independent copy.
func (f Facts) Clone() Facts {
	out := make(Facts, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Has reports whether name is set to a non-empty value.
func (f Facts) Has(name string) bool {
	return strings.TrimSpace(f[name]) != ""
}

// Int parses a numeric fact.
func (f Facts) Int(name string) (int, bool) {
	v, ok := f[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

var (
	simCountPattern  = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(\d{1,2})\s*(?:sim|schede|scheda|linee|numeri)(?:$|[^\p{L}\p{N}])`)
	uncertainPattern = regexp.MustCompile(`(?i)(?:^|[^\p{L}])non\s+(?:lo\s+so|saprei|so)(?:$|[^\p{L}])`)
	smsNoPattern     = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:no|non\s+ho)(?:$|[^\p{L}])`)
	smsYesPattern    = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:si|sì)(?:$|[^\p{L}])`)
	// Bare "tre" is left out: it is also the number three.
	carrierPattern = regexp.MustCompile(`(?i)\b(wind\s*(?:3|tre)?|vodafone|tim)\b`)
)

// Extract applies the pattern rules to text and returns facts merged over
// the existing ones. The returned error is informational: the merged facts
// are always usable.
func Extract(text string, facts Facts) (Facts, error) {
	out := facts.Clone()
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return out, nil
	}

	var errs []error
	if m := simCountPattern.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s %q: %w", FactSimCount, m[1], err))
		case n <= 0:
			errs = append(errs, fmt.Errorf("%s %q: not a positive count", FactSimCount, m[1]))
		default:
			out[FactSimCount] = strconv.Itoa(n)
		}
	}
	if uncertainPattern.MatchString(lower) {
		out[FactUncertain] = "true"
	}
	switch {
	case smsNoPattern.MatchString(lower):
		out[FactSMSAnswer] = "no"
	case smsYesPattern.MatchString(lower):
		out[FactSMSAnswer] = "yes"
	}
	if list := mergeCarriers(out[FactCarriers], lower); list != "" {
		out[FactCarriers] = list
	}

	if len(errs) > 0 {
		return out, errorsx.Wrap(fmt.Errorf("%w: %w", ErrExtraction, errors.Join(errs...)), errorsx.ReasonExtraction)
	}
	return out, nil
}

func mergeCarriers(existing, text string) string {
	var names []string
	if existing != "" {
		names = strings.Split(existing, ",")
	}
	for _, m := range carrierPattern.FindAllStringSubmatch(text, -1) {
		name := carrierName(m[1])
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

func carrierName(match string) string {
	switch {
	case strings.HasPrefix(match, "wind"):
		return "Wind3"
	case match == "vodafone":
		return "Vodafone"
	default:
		return "TIM"
	}
}
