package policy

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// supportedSchema is the schema_version range this loader understands.
const supportedSchema = ">= 1.0.0, < 2.0.0"

// documentSchema validates policy documents before any rule is constructed.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "item_type", "rules"],
  "properties": {
    "schema_version": {"type": "string"},
    "item_type": {"type": "string", "minLength": 1},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {"enum": ["royalty", "kiosk_lock", "floor_price", "cel"]},
          "recipient": {"type": "string"},
          "bps": {"type": "integer", "minimum": 0, "maximum": 10000},
          "min_amount": {"type": "integer", "minimum": 0},
          "floor": {"type": "integer", "minimum": 0},
          "name": {"type": "string"},
          "expression": {"type": "string"}
        }
      }
    }
  }
}`

// Document is the serialized form of a transfer policy.
type Document struct {
	SchemaVersion string         `json:"schema_version" yaml:"schema_version"`
	ItemType      string         `json:"item_type" yaml:"item_type"`
	Rules         []DocumentRule `json:"rules" yaml:"rules"`
}

// DocumentRule is one rule declaration inside a Document.
type DocumentRule struct {
	Kind       string `json:"kind" yaml:"kind"`
	Recipient  string `json:"recipient,omitempty" yaml:"recipient,omitempty"`
	Bps        uint16 `json:"bps,omitempty" yaml:"bps,omitempty"`
	MinAmount  uint64 `json:"min_amount,omitempty" yaml:"min_amount,omitempty"`
	Floor      uint64 `json:"floor,omitempty" yaml:"floor,omitempty"`
	RuleName   string `json:"name,omitempty" yaml:"name,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

var compiledSchema = jsonschema.MustCompileString("policy.schema.json", documentSchema)

// Load parses a YAML (or JSON) policy document, validates it against the
// document schema, gates on schema_version, and builds the policy.
func Load(data []byte) (*TransferPolicy, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy: parse document: %w", err)
	}

	// Normalize through JSON so schema validation sees canonical types.
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: normalize document: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return nil, fmt.Errorf("policy: normalize document: %w", err)
	}
	if err := compiledSchema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("policy: invalid document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("policy: decode document: %w", err)
	}
	return doc.Build()
}

// Build constructs the TransferPolicy a document describes.
func (doc *Document) Build() (*TransferPolicy, error) {
	version, err := semver.NewVersion(doc.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("policy: schema_version %q: %w", doc.SchemaVersion, err)
	}
	supported, err := semver.NewConstraint(supportedSchema)
	if err != nil {
		return nil, fmt.Errorf("policy: schema constraint: %w", err)
	}
	if !supported.Check(version) {
		return nil, fmt.Errorf("policy: unsupported schema_version %s (want %s)", version, supportedSchema)
	}

	p := New(doc.ItemType)
	for _, r := range doc.Rules {
		var rule Rule
		switch r.Kind {
		case RuleRoyalty:
			rule = RoyaltyRule{Recipient: r.Recipient, Bps: r.Bps, MinAmount: r.MinAmount}
		case RuleLock:
			rule = LockRule{}
		case RuleFloorPrice:
			rule = FloorPriceRule{Floor: r.Floor}
		case "cel":
			celRule, err := NewCELRule(r.RuleName, r.Expression)
			if err != nil {
				return nil, err
			}
			rule = celRule
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownRule, r.Kind)
		}
		if err := p.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return p, nil
}
