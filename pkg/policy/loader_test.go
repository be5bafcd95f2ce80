package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/bazaar/pkg/policy"
)

const policyDoc = `
schema_version: "1.2.0"
item_type: "bazaar.TestItem"
rules:
  - kind: royalty
    recipient: artist
    bps: 250
  - kind: kiosk_lock
  - kind: floor_price
    floor: 1000
  - kind: cel
    name: max_price
    expression: "price <= 100000u"
`

func TestLoadDocument(t *testing.T) {
	p, err := policy.Load([]byte(policyDoc))
	require.NoError(t, err)

	assert.Equal(t, "bazaar.TestItem", p.ItemType())
	assert.Equal(t, []string{policy.RuleFloorPrice, policy.RuleLock, "max_price", policy.RuleRoyalty}, p.RuleNames())

	royalty, ok := p.Royalty()
	require.True(t, ok)
	assert.Equal(t, uint16(250), royalty.Bps)
	assert.Equal(t, "artist", royalty.Recipient)
}

func TestLoadRejectsUnsupportedSchemaVersion(t *testing.T) {
	doc := `
schema_version: "2.0.0"
item_type: "bazaar.TestItem"
rules: []
`
	_, err := policy.Load([]byte(doc))
	assert.ErrorContains(t, err, "unsupported schema_version")
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing item_type", "schema_version: \"1.0.0\"\nrules: []\n"},
		{"unknown rule kind", `
schema_version: "1.0.0"
item_type: "bazaar.TestItem"
rules:
  - kind: teleport
`},
		{"bps out of range", `
schema_version: "1.0.0"
item_type: "bazaar.TestItem"
rules:
  - kind: royalty
    bps: 20000
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := policy.Load([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}
