// Package artifact turns raw counterparty text into canonical, deduplicated
// intelligence. Extraction is pure and deterministic: re-running it on the
// same text always yields the same artifact set, which is what makes the
// report fingerprint stable across retries.
//
// Malformed values that are structurally close to a real artifact are kept
// with Valid=false rather than dropped; a mistyped payment handle still has
// investigative value.
package artifact

// Category identifies an intelligence category. The values double as the
// list keys in the final report's extractedIntelligence block.
type Category string

const (
	CategoryPhone       Category = "phoneNumbers"
	CategoryBankAccount Category = "bankAccounts"
	CategoryUPI         Category = "upiIds"
	CategoryURL         Category = "phishingLinks"
	CategoryEmail       Category = "emailAddresses"
	CategoryCaseID      Category = "caseIds"
	CategoryPolicyNo    Category = "policyNumbers"
	CategoryOrderNo     Category = "orderNumbers"
)

// CoreCategories lists the compiled-in categories in report order. The
// identifier family (caseIds, policyNumbers, orderNumbers, operator extras)
// comes from the recognizer registry.
var CoreCategories = []Category{
	CategoryPhone,
	CategoryBankAccount,
	CategoryUPI,
	CategoryURL,
	CategoryEmail,
}

// Artifact is a single extracted value. Uniqueness within a session is by
// (Category, Canonical).
type Artifact struct {
	Category  Category `json:"category"`
	Raw       string   `json:"raw"`
	Canonical string   `json:"canonical"`
	Valid     bool     `json:"valid"`
}

// Key returns the session-level dedup key.
func (a Artifact) Key() string {
	return string(a.Category) + "\x00" + a.Canonical
}
