package report

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// contractSchema pins the delivery contract. Missing required fields or
// wrongly typed intelligence lists are caught before a payload ever leaves
// the outbox, so schema drift surfaces here rather than at the consumer.
const contractSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["sessionId", "scamDetected", "extractedIntelligence", "metadata"],
  "properties": {
    "sessionId": {"type": "string", "minLength": 1},
    "scamDetected": {"type": "boolean"},
    "scamType": {"type": "string"},
    "confidenceLevel": {"type": "number", "minimum": 0, "maximum": 1},
    "totalMessagesExchanged": {"type": "integer", "minimum": 0},
    "engagementDurationSeconds": {"type": "integer", "minimum": 0},
    "agentNotes": {"type": "string"},
    "extractedIntelligence": {
      "type": "object",
      "required": [
        "phoneNumbers", "bankAccounts", "upiIds", "phishingLinks",
        "emailAddresses", "caseIds", "policyNumbers", "orderNumbers", "redFlags"
      ],
      "properties": {
        "phoneNumbers": {"type": "array", "items": {"type": "string"}},
        "bankAccounts": {"type": "array", "items": {"type": "string"}},
        "upiIds": {"type": "array", "items": {"type": "string"}},
        "phishingLinks": {"type": "array", "items": {"type": "string"}},
        "emailAddresses": {"type": "array", "items": {"type": "string"}},
        "caseIds": {"type": "array", "items": {"type": "string"}},
        "policyNumbers": {"type": "array", "items": {"type": "string"}},
        "orderNumbers": {"type": "array", "items": {"type": "string"}},
        "redFlags": {"type": "array", "items": {"type": "string"}},
        "dynamicArtifacts": {
          "type": "object",
          "additionalProperties": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "metadata": {
      "type": "object",
      "required": ["reportId", "fingerprint", "contractVersion"],
      "properties": {
        "reportId": {"type": "string", "pattern": "^.+:[0-9]+$"},
        "fingerprint": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "contractVersion": {"type": "string"}
      }
    }
  }
}`

var compiledSchema = gojsonschema.NewStringLoader(contractSchema)

// ValidateContract checks a serialized report against the delivery contract
// schema. The returned error lists every violation.
func ValidateContract(payload []byte) error {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("running contract validation: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("report violates delivery contract: %s", strings.Join(problems, "; "))
}
