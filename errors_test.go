package graphstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	t.Run("should match sentinels by code", func(t *testing.T) {
		err := ValidationError("set", "k", "key must be a non-empty string")
		assert.ErrorIs(t, err, ErrValidation)
		assert.NotErrorIs(t, err, ErrIO)
		assert.Equal(t, CodeValidation, CodeOf(err))
	})

	t.Run("should find codes through fmt wrapping", func(t *testing.T) {
		cause := errors.New("disk full")
		err := fmt.Errorf("saving: %w", WriteFailed("set", "k", cause))
		assert.ErrorIs(t, err, ErrWriteFailed)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, CodeWriteFailed, CodeOf(err))
		assert.True(t, HasCode(err, CodeWriteFailed))
		assert.False(t, HasCode(err, CodeDelete))
	})

	t.Run("should report every code on a chain", func(t *testing.T) {
		inner := QueryBuildError("traverse", "depth must be an integer between 1 and 50, got 0")
		err := IOError("traverse", "", inner)
		assert.Equal(t, CodeIO, CodeOf(err))
		assert.True(t, HasCode(err, CodeQueryBuild))
		assert.ErrorIs(t, err, ErrQueryBuild)
	})

	t.Run("should render op, key, message and cause", func(t *testing.T) {
		err := &Error{Code: CodeDelete, Op: "delete", Key: "a", Message: "backend refused", Err: errors.New("locked")}
		assert.Equal(t, `delete: DELETE_FAILED (key "a"): backend refused: locked`, err.Error())
	})

	t.Run("should return no code for plain errors", func(t *testing.T) {
		assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
		assert.Equal(t, Code(""), CodeOf(nil))
	})
}

func TestValidate(t *testing.T) {
	t.Run("should require id and type for graph entities", func(t *testing.T) {
		err := ValidateEntity("set", "k", Entity{Type: "node", Properties: map[string]any{}})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "entity id")

		err = ValidateEntity("set", "k", Entity{ID: "1", Properties: map[string]any{}})
		assert.Contains(t, err.Error(), "entity type")

		assert.NoError(t, ValidateEntity("set", "k", Entity{ID: "1", Type: "node", Properties: map[string]any{}}))
	})

	t.Run("should reject strings JSON would rewrite", func(t *testing.T) {
		bad := "bad\xffbyte"
		cases := map[string]Entity{
			"id":          {ID: bad, Type: "node", Properties: map[string]any{}},
			"type":        {ID: "1", Type: bad, Properties: map[string]any{}},
			"property":    {ID: "1", Type: "node", Properties: map[string]any{"name": bad}},
			"nested":      {ID: "1", Type: "node", Properties: map[string]any{"tags": []any{"ok", map[string]any{"x": bad}}}},
			"typed slice": {ID: "1", Type: "node", Properties: map[string]any{"tags": []string{bad}}},
			"map key":     {ID: "1", Type: "node", Properties: map[string]any{bad: 1}},
		}
		for name, e := range cases {
			err := ValidateEntity("set", "k", e)
			require.ErrorIs(t, err, ErrValidation, name)
			assert.NotContains(t, err.Error(), "\xff", name)
		}

		err := ValidateEntity("set", "k", Entity{ID: "1", Type: "node", Properties: map[string]any{"tags": []any{map[string]any{"x": bad}}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "properties.tags[0].x")

		assert.ErrorIs(t, ValidateKey("get", bad), ErrValidation)
		assert.ErrorIs(t, ValidateEdge("add_edge", Edge{From: "a", To: "b", Type: bad}), ErrValidation)
		assert.ErrorIs(t, ValidatePattern("traverse", TraversalPattern{StartNode: "a", EdgeTypes: []string{bad}}), ErrValidation)
	})

	t.Run("should keep control characters and raw bytes", func(t *testing.T) {
		e := Entity{ID: "1", Type: "node", Properties: map[string]any{
			"ctl":   "nul\x00 sep\u2028",
			"bytes": []byte{0xff, 0xfe},
		}}
		assert.NoError(t, ValidateEntity("set", "k", e))
	})

	t.Run("should list every missing edge field", func(t *testing.T) {
		err := ValidateEdge("add_edge", Edge{Type: "knows"})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "from, to")
	})

	t.Run("should reject bad traversal patterns", func(t *testing.T) {
		assert.Error(t, ValidatePattern("traverse", TraversalPattern{MaxDepth: 2}))
		assert.Error(t, ValidatePattern("traverse", TraversalPattern{StartNode: "a", Direction: "sideways"}))
		assert.Error(t, ValidatePattern("traverse", TraversalPattern{StartNode: "a", EdgeTypes: []string{"knows", ""}}))

		many := make([]string, MaxEdgeTypeFilters+1)
		for i := range many {
			many[i] = fmt.Sprintf("t%d", i)
		}
		assert.Error(t, ValidatePattern("traverse", TraversalPattern{StartNode: "a", EdgeTypes: many}))

		assert.NoError(t, ValidatePattern("traverse", TraversalPattern{StartNode: "a", Direction: Both, EdgeTypes: []string{"x'); DROP TABLE entities; --"}}))
	})
}
