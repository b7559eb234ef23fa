package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/pkg/value"
)

func TestParseJSONDocumentTypeTags(t *testing.T) {
	fields, id, err := ParseJSONDocument(`{"$id$":42,"n":"7I","d":"3.14D","link":"@9@","plain":"hello"}`, nil)
	require.NoError(t, err)
	require.NotNil(t, id)
	require.Equal(t, uint64(42), *id)

	require.Equal(t, []value.Value{value.NewInt64(7)}, fields["n"])
	require.Equal(t, []value.Value{value.NewDouble(3.14)}, fields["d"])
	require.Equal(t, []value.Value{value.NewLink(9)}, fields["link"])
	require.Equal(t, []value.Value{value.NewString("hello")}, fields["plain"])
}

func TestParseJSONDocumentMultiValuedField(t *testing.T) {
	fields, _, err := ParseJSONDocument(`{"tags":["x","y","z"]}`, nil)
	require.NoError(t, err)
	require.Len(t, fields["tags"], 3)
}

func TestParseJSONDocumentUnresolvedExpressionLinkFails(t *testing.T) {
	_, _, err := ParseJSONDocument(`{"owner":"@name = \"bob\"@"}`, nil)
	require.Error(t, err)
}

func TestParseJSONDocumentResolvesExpressionLinkViaHook(t *testing.T) {
	resolve := func(expr string) ([]uint64, error) { return []uint64{5}, nil }
	fields, _, err := ParseJSONDocument(`{"owner":"@name = bob@"}`, resolve)
	require.NoError(t, err)
	require.Equal(t, []value.Value{value.NewLink(5)}, fields["owner"])
}

func TestJsonifyRecordIncludesID(t *testing.T) {
	fields := map[string]map[value.Value]struct{}{
		"name": {value.NewString("ada"): {}},
	}
	text, err := JsonifyRecord(7, fields, true)
	require.NoError(t, err)
	require.Contains(t, text, `"$id$"`)
	require.Contains(t, text, `"name":"ada"`)
}
