// Package report builds the frozen final report for a finalized session,
// serializes it canonically, and fingerprints it. The fingerprint proves
// content identity across delivery retries: identical logical content yields
// an identical digest regardless of artifact discovery order.
package report

import (
	"sort"
	"time"

	"github.com/dativo-io/snare/internal/artifact"
	"github.com/dativo-io/snare/internal/session"
)

// Intelligence is the extractedIntelligence block. Every list key is always
// present (empty, not null) so downstream consumers never branch on absence.
type Intelligence struct {
	PhoneNumbers   []string `json:"phoneNumbers"`
	BankAccounts   []string `json:"bankAccounts"`
	UPIIDs         []string `json:"upiIds"`
	PhishingLinks  []string `json:"phishingLinks"`
	EmailAddresses []string `json:"emailAddresses"`
	CaseIDs        []string `json:"caseIds"`
	PolicyNumbers  []string `json:"policyNumbers"`
	OrderNumbers   []string `json:"orderNumbers"`

	// DynamicArtifacts carries operator-defined recognizer categories that
	// have no static field above.
	DynamicArtifacts map[string][]string `json:"dynamicArtifacts"`

	// InvalidArtifacts retains malformed-but-plausible values. They carry
	// investigative weight even though they never count toward quorum.
	InvalidArtifacts []InvalidArtifact `json:"invalidArtifacts"`

	RedFlags []string `json:"redFlags"`
}

// InvalidArtifact is a retained malformed value.
type InvalidArtifact struct {
	Category  string `json:"category"`
	Raw       string `json:"raw"`
	Canonical string `json:"canonical"`
}

// Metadata is the report's metadata block; the fingerprint lives here.
type Metadata struct {
	ReportID        string    `json:"reportId"`
	Fingerprint     string    `json:"fingerprint"`
	ContractVersion string    `json:"contractVersion"`
	FinalizeReason  string    `json:"finalizeReason"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// Report is the final deliverable for a session.
type Report struct {
	SessionID                 string       `json:"sessionId"`
	ScamDetected              bool         `json:"scamDetected"`
	ScamType                  string       `json:"scamType"`
	ConfidenceLevel           float64      `json:"confidenceLevel"`
	TotalMessagesExchanged    int          `json:"totalMessagesExchanged"`
	EngagementDurationSeconds int          `json:"engagementDurationSeconds"`
	AgentNotes                string       `json:"agentNotes"`
	ExtractedIntelligence     Intelligence `json:"extractedIntelligence"`
	Metadata                  Metadata     `json:"metadata"`
}

const defaultAgentNotes = "Scam-like patterns detected."

// staticFields maps the compiled-in categories to their report list.
var staticFields = map[artifact.Category]func(*Intelligence) *[]string{
	artifact.CategoryPhone:       func(i *Intelligence) *[]string { return &i.PhoneNumbers },
	artifact.CategoryBankAccount: func(i *Intelligence) *[]string { return &i.BankAccounts },
	artifact.CategoryUPI:         func(i *Intelligence) *[]string { return &i.UPIIDs },
	artifact.CategoryURL:         func(i *Intelligence) *[]string { return &i.PhishingLinks },
	artifact.CategoryEmail:       func(i *Intelligence) *[]string { return &i.EmailAddresses },
	artifact.CategoryCaseID:      func(i *Intelligence) *[]string { return &i.CaseIDs },
	artifact.CategoryPolicyNo:    func(i *Intelligence) *[]string { return &i.PolicyNumbers },
	artifact.CategoryOrderNo:     func(i *Intelligence) *[]string { return &i.OrderNumbers },
}

// BuildParams carries the finalize-time inputs that are not part of the
// session document.
type BuildParams struct {
	ReportID        string
	ContractVersion string
	FinalizeReason  string
	GeneratedAt     time.Time
}

// Build assembles the report for a session and embeds its fingerprint.
// The output is deterministic: every list is sorted, so discovery order
// never leaks into the serialized form.
func Build(s *session.Session, p BuildParams) (*Report, error) {
	intel := newIntelligence()

	for _, a := range s.Artifacts {
		if !a.Valid {
			intel.InvalidArtifacts = append(intel.InvalidArtifacts, InvalidArtifact{
				Category:  string(a.Category),
				Raw:       a.Raw,
				Canonical: a.Canonical,
			})
			continue
		}
		if field, ok := staticFields[a.Category]; ok {
			*field(&intel) = append(*field(&intel), a.Canonical)
		} else {
			intel.DynamicArtifacts[string(a.Category)] = append(intel.DynamicArtifacts[string(a.Category)], a.Canonical)
		}
	}

	for cat := range staticFields {
		field := staticFields[cat](&intel)
		sort.Strings(*field)
	}
	for _, vals := range intel.DynamicArtifacts {
		sort.Strings(vals)
	}
	sort.Slice(intel.InvalidArtifacts, func(i, j int) bool {
		a, b := intel.InvalidArtifacts[i], intel.InvalidArtifacts[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Canonical < b.Canonical
	})

	intel.RedFlags = append(intel.RedFlags, s.RedFlags...)
	sort.Strings(intel.RedFlags)

	notes := s.AgentNotes
	if notes == "" {
		notes = defaultAgentNotes
	}

	r := &Report{
		SessionID:                 s.ID,
		ScamDetected:              s.ScamDetected,
		ScamType:                  s.ScamType,
		ConfidenceLevel:           s.Confidence,
		TotalMessagesExchanged:    len(s.Messages),
		EngagementDurationSeconds: int(s.EngagementDuration(p.GeneratedAt).Seconds()),
		AgentNotes:                notes,
		ExtractedIntelligence:     intel,
		Metadata: Metadata{
			ReportID:        p.ReportID,
			ContractVersion: p.ContractVersion,
			FinalizeReason:  p.FinalizeReason,
			GeneratedAt:     p.GeneratedAt.UTC(),
		},
	}

	fp, err := Fingerprint(r)
	if err != nil {
		return nil, err
	}
	r.Metadata.Fingerprint = fp
	return r, nil
}

func newIntelligence() Intelligence {
	return Intelligence{
		PhoneNumbers:     []string{},
		BankAccounts:     []string{},
		UPIIDs:           []string{},
		PhishingLinks:    []string{},
		EmailAddresses:   []string{},
		CaseIDs:          []string{},
		PolicyNumbers:    []string{},
		OrderNumbers:     []string{},
		DynamicArtifacts: map[string][]string{},
		InvalidArtifacts: []InvalidArtifact{},
		RedFlags:         []string{},
	}
}
