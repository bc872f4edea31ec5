package discovery

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEndpoints() []RawEndpoint {
	return []RawEndpoint{
		{
			Resource: "users",
			Action:   "read",
			Fields: []RawField{
				{Name: "email", PII: true},
				{Name: "name"},
				{Name: "ssn", PII: true, Sensitive: true},
			},
		},
		{
			Resource: "users",
			Action:   "write",
			Fields: []RawField{
				{Name: "*"},
			},
		},
		{
			Resource: "payments",
			Action:   "read",
			Fields: []RawField{
				{Name: "amount", Financial: true},
				{Name: "card_number", Financial: true, Sensitive: true},
			},
		},
	}
}

func TestClassifyBuildsTree(t *testing.T) {
	tree := Classify("cids_abc", 1, sampleEndpoints())

	assert.Equal(t, "cids_abc", tree.ClientID)
	assert.Equal(t, 1, tree.Version)
	assert.ElementsMatch(t, []string{"users", "payments"}, tree.ResourceNames())

	read, ok := tree.Node("users", "read")
	require.True(t, ok)

	email, ok := read.Field("email")
	require.True(t, ok)
	assert.True(t, email.Flags.PII)
	assert.False(t, email.Category)

	name, ok := read.Field("name")
	require.True(t, ok)
	assert.Equal(t, FieldFlags{}, name.Flags)
}

func TestClassifySynthesizesCategoryFields(t *testing.T) {
	tree := Classify("cids_abc", 1, sampleEndpoints())

	read, ok := tree.Node("users", "read")
	require.True(t, ok)

	pii, ok := read.Field(CategoryPII)
	require.True(t, ok, "pii category field should exist")
	assert.True(t, pii.Category)
	assert.True(t, pii.Flags.PII)

	sensitive, ok := read.Field(CategorySensitive)
	require.True(t, ok)
	assert.True(t, sensitive.Category)

	_, ok = read.Field(CategoryFinancial)
	assert.False(t, ok, "no financial field on users.read")

	payments, ok := tree.Node("payments", "read")
	require.True(t, ok)
	_, ok = payments.Field(CategoryFinancial)
	assert.True(t, ok)
	_, ok = payments.Field(CategoryPII)
	assert.False(t, ok)
}

func TestClassifyCarriesWildcard(t *testing.T) {
	tree := Classify("cids_abc", 1, sampleEndpoints())

	write, ok := tree.Node("users", "write")
	require.True(t, ok)
	wc, ok := write.Field(Wildcard)
	require.True(t, ok)
	assert.False(t, wc.Category)
}

func TestClassifyMergesDuplicateFields(t *testing.T) {
	raw := []RawEndpoint{
		{Resource: "users", Action: "read", Fields: []RawField{{Name: "email", PII: true}}},
		{Resource: "users", Action: "read", Fields: []RawField{{Name: "email", Sensitive: true}}},
	}
	tree := Classify("cids_abc", 1, raw)

	read, ok := tree.Node("users", "read")
	require.True(t, ok)
	assert.Len(t, read.DataFields(), 1)

	email, ok := read.Field("email")
	require.True(t, ok)
	assert.True(t, email.Flags.PII)
	assert.True(t, email.Flags.Sensitive)
}

func TestClassifySkipsIncompleteEntries(t *testing.T) {
	raw := []RawEndpoint{
		{Resource: "", Action: "read", Fields: []RawField{{Name: "x"}}},
		{Resource: "users", Action: "", Fields: []RawField{{Name: "x"}}},
		{Resource: "users", Action: "read", Fields: []RawField{{Name: ""}, {Name: "email"}}},
	}
	tree := Classify("cids_abc", 1, raw)

	assert.Equal(t, []string{"users"}, tree.ResourceNames())
	read, ok := tree.Node("users", "read")
	require.True(t, ok)
	assert.Len(t, read.DataFields(), 1)
}

func TestClassifyIsDeterministic(t *testing.T) {
	first := Classify("cids_abc", 1, sampleEndpoints())
	second := Classify("cids_abc", 1, sampleEndpoints())

	if !reflect.DeepEqual(first, second) {
		t.Fatal("identical inputs produced different trees")
	}

	read, _ := first.Node("users", "read")
	var paths []string
	for _, f := range read.Fields {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"email", "name", "ssn", CategoryPII, CategorySensitive}, paths)
}
