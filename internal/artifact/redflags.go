package artifact

import "regexp"

// Red-flag tagging is deterministic and priority-ordered: tags are defined
// strongest-first so that both "all matched" and "single strongest" views
// are stable for a given text.

var redFlagPatterns = []struct {
	Tag string
	RE  *regexp.Regexp
}{
	{"OTP_REQUEST", regexp.MustCompile(`(?i)\b(otp|one[- ]time password|upi pin|pin|password)\b`)},
	{"PAYMENT_REQUEST", regexp.MustCompile(`(?i)\b(upi|payment|pay|transfer|send money|fee|charges)\b`)},
	{"SUSPICIOUS_LINK", regexp.MustCompile(`(?i)\b(https?://\S+|www\.\S+|bit\.ly/\S+|tinyurl\.com/\S+)\b`)},
	{"THREAT_PRESSURE", regexp.MustCompile(`(?i)\b(block(?:ed)?|lock(?:ed)?|freeze|frozen|suspend(?:ed)?|penalty|fine)\b`)},
	{"IMPERSONATION_CLAIM", regexp.MustCompile(`(?i)\b(bank|sbi|hdfc|icici|rbi|customer care|support team|fraud team|kyc team)\b`)},
	{"VERIFICATION_BAIT", regexp.MustCompile(`(?i)\b(verify|verification|kyc|re-?activate|update your)\b`)},
	{"URGENCY_PRESSURE", regexp.MustCompile(`(?i)\b(urgent(?:ly)?|immediately|right now|within \d+ (?:minutes|hours)|deadline)\b`)},
}

// RedFlags returns every tag matching text, in priority order.
func RedFlags(text string) []string {
	t := NormalizeText(text)
	if t == "" {
		return nil
	}
	var tags []string
	for _, p := range redFlagPatterns {
		if p.RE.MatchString(t) {
			tags = append(tags, p.Tag)
		}
	}
	return tags
}

// StrongestRedFlag returns the highest-priority tag for text, or "".
func StrongestRedFlag(text string) string {
	tags := RedFlags(text)
	if len(tags) == 0 {
		return ""
	}
	return tags[0]
}

// Signal weights calibrate a scam-confidence score from accumulated tags.
// Credential and payment requests dominate; urgency alone is nearly noise.
var signalWeights = map[string]float64{
	"OTP_REQUEST":         0.50,
	"PAYMENT_REQUEST":     0.45,
	"SUSPICIOUS_LINK":     0.32,
	"VERIFICATION_BAIT":   0.18,
	"THREAT_PRESSURE":     0.18,
	"IMPERSONATION_CLAIM": 0.18,
	"URGENCY_PRESSURE":    0.06,
}

var scamTypeHints = map[string]string{
	"OTP_REQUEST":         "BANK_IMPERSONATION",
	"PAYMENT_REQUEST":     "UPI_FRAUD",
	"SUSPICIOUS_LINK":     "PHISHING",
	"VERIFICATION_BAIT":   "PHISHING",
	"IMPERSONATION_CLAIM": "BANK_IMPERSONATION",
}

// SignalScore sums the weights of the given distinct tags, clamped to [0, 1].
func SignalScore(tags []string) float64 {
	var score float64
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		score += signalWeights[tag]
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// ScamTypeHint maps the highest-priority tag carrying a type hint to a scam
// classification, or "UNKNOWN" when none of the tags implies one.
func ScamTypeHint(tags []string) string {
	for _, p := range redFlagPatterns {
		for _, tag := range tags {
			if tag == p.Tag {
				if hint, ok := scamTypeHints[tag]; ok {
					return hint
				}
				break
			}
		}
	}
	return "UNKNOWN"
}
