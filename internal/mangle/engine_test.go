package mangle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSchema = `
Decl entity(Id, Kind, Name)
  bound [/number, /name, /string].

Decl relation(From, To, Kind, Weight, EvidenceCount)
  bound [/number, /number, /name, /number, /number].

Decl reachable1(X, Y) inferred
  bound [/number, /number].

reachable1(X, Y) :- relation(X, Y, _, _, _).
reachable1(X, Y) :- relation(Y, X, _, _, _).
`

func TestNewEngineRequiresSchemaBeforeQuery(t *testing.T) {
	engine, err := NewEngine(DefaultConfig())
	require.NoError(t, err)

	_, err = engine.Query(context.Background(), "reachable1(1, Y)?")
	require.Error(t, err)
}

func TestReplaceFactsForFileWithHashIsVisibleToQuery(t *testing.T) {
	engine, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, engine.LoadSchemaString(testSchema))

	err = engine.ReplaceFactsForFileWithHash("relation:1:2:co_occurs", []Fact{
		{Predicate: "relation", Args: []interface{}{int64(1), int64(2), "co_occurs", 1.0, int64(1)}},
	}, "")
	require.NoError(t, err)

	result, err := engine.Query(context.Background(), "reachable1(1, Y)?")
	require.NoError(t, err)
	require.Len(t, result.Bindings, 1)
	require.EqualValues(t, 2, result.Bindings[0]["Y"])
}

func TestReplaceFactsForFileWithHashDropsStaleFacts(t *testing.T) {
	engine, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, engine.LoadSchemaString(testSchema))

	key := "relation:1:2:co_occurs"
	fact := []Fact{{Predicate: "relation", Args: []interface{}{int64(1), int64(2), "co_occurs", 1.0, int64(1)}}}
	require.NoError(t, engine.ReplaceFactsForFileWithHash(key, fact, ""))

	result, err := engine.Query(context.Background(), "reachable1(1, Y)?")
	require.NoError(t, err)
	require.Len(t, result.Bindings, 1)

	// Replacing with an empty fact set for the same key removes the old edge.
	require.NoError(t, engine.ReplaceFactsForFileWithHash(key, nil, ""))

	result, err = engine.Query(context.Background(), "reachable1(1, Y)?")
	require.NoError(t, err)
	require.Len(t, result.Bindings, 0)
}
