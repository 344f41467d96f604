package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnionAbsorbsWildcards(t *testing.T) {
	var specific = Span("player", []string{"name"}, []int64{1, 2})
	var whole = Table("player")

	// Wildcards absorb more specific selections, in either order.
	require.Equal(t, "player", specific.Union(whole).String())
	require.Equal(t, "player", whole.Union(specific).String())

	// Full database absorbs everything.
	require.True(t, specific.Union(Full()).IsFull())
	require.True(t, Full().Union(specific).IsFull())
}

func TestUnionProperties(t *testing.T) {
	var a = Columns("player", "name")
	var b = Rows("player", 7)
	var c = Table("team")

	// Commutative & associative (compare stable renderings).
	require.Equal(t, a.Union(b).String(), b.Union(a).String())
	require.Equal(t, a.Union(b).Union(c).String(), a.Union(b.Union(c)).String())
	// Idempotent.
	require.Equal(t, a.String(), a.Union(a).String())

	// Each axis wildcard absorbs independently: all-rows of |a| and
	// all-columns of |b| swallow the other side's restrictions.
	require.Equal(t, "player", a.Union(b).String())

	// Restrictions on both axes survive union when neither side is a wildcard.
	var a2 = Span("player", []string{"name"}, []int64{7})
	var b2 = Span("player", []string{"score"}, []int64{7})
	require.Equal(t, "player(name,score)[7]", a2.Union(b2).String())
}

func TestIntersection(t *testing.T) {
	var cases = []struct {
		a, b   Region
		expect bool
	}{
		{Table("player"), Table("player"), true},
		{Table("player"), Table("team"), false},
		{Table("player"), Rows("player", 1), true},
		{Rows("player", 1), Rows("player", 2), false},
		{Rows("player", 1, 2), Rows("player", 2, 3), true},
		{Columns("player", "name"), Columns("player", "score"), false},
		{Columns("player", "name", "score"), Columns("player", "score"), true},
		// Different row sets of disjoint columns don't intersect:
		// a change region carries all-columns, so this only arises between
		// declared observation regions.
		{Columns("player", "name").Union(Rows("team", 1)), Columns("player", "score"), false},
		// Full intersects any non-empty region.
		{Full(), Rows("player", 9), true},
		{Full(), Table("team"), true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expect, tc.a.Intersects(tc.b), "%s ∩ %s", tc.a, tc.b)
		require.Equal(t, tc.expect, tc.b.Intersects(tc.a), "%s ∩ %s", tc.b, tc.a)
	}
}

func TestEmptyIntersectsNothing(t *testing.T) {
	require.False(t, Empty().Intersects(Empty()))
	require.False(t, Empty().Intersects(Full()))
	require.False(t, Full().Intersects(Empty()))
	require.False(t, Empty().Intersects(Table("player")))

	// Rows() with no rowids is empty, and empty-for-a-table doesn't
	// intersect that same table (empty ≠ all rows).
	var vacuous = Rows("player")
	require.True(t, vacuous.IsEmpty())
	require.False(t, vacuous.Intersects(Table("player")))
}

func TestCaseSensitiveTableNames(t *testing.T) {
	require.False(t, Table("Player").Intersects(Table("player")))
}

func TestStringRendering(t *testing.T) {
	require.Equal(t, "*", Full().String())
	require.Equal(t, "∅", Empty().String())
	require.Equal(t, "player", Table("player").String())
	require.Equal(t, "player(name,score)", Columns("player", "score", "name").String())
	require.Equal(t, "player[1,2]", Rows("player", 2, 1).String())
	require.Equal(t, "player,team[3]",
		Table("player").Union(Rows("team", 3)).String())
}
