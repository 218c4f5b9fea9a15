package retention

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/buildfleet/pkg/fleet"
)

func TestSequenceParser(t *testing.T) {
	tests := []struct {
		raw   string
		label string
		date  string
		seq   int
	}{
		{"CI Slave 2023-05-01 #0007", "CI Slave", "2023-05-01", 7},
		{"CI Slave #12", "CI Slave", "", 12},
		{"CI Slave 3", "CI Slave", "", 3},
		{"  CI Slave 20240102 - 42  ", "CI Slave", "20240102", 42},
		{"ci-worker-15", "ci-worker", "", 15},
		{"42", "", "", 42},
	}

	p := SequenceParser{}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			tag, err := p.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.label, tag.Label)
			assert.Equal(t, tt.date, tag.Date)
			assert.Equal(t, tt.seq, tag.Sequence)
		})
	}
}

func TestSequenceParser_Rejects(t *testing.T) {
	p := SequenceParser{}

	for _, raw := range []string{"CI Slave", "CI Slave #", "", "CI Slave 99999999999999999999999"} {
		_, err := p.Parse(raw)
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, ErrUnparseable)

		var pe *ParseError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, raw, pe.Raw)
	}
}

func TestKeyValueParser(t *testing.T) {
	p := KeyValueParser{}

	tag, err := p.Parse("label=CI Slave; date=2023-05-01; seq=7")
	require.NoError(t, err)
	assert.Equal(t, fleet.Tag{Label: "CI Slave", Date: "2023-05-01", Sequence: 7}, tag)

	tag, err = p.Parse("sequence=3,name=runner")
	require.NoError(t, err)
	assert.Equal(t, fleet.Tag{Label: "runner", Sequence: 3}, tag)

	_, err = p.Parse("label=CI Slave;date=2023-05-01")
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = p.Parse("label=CI Slave;seq=seven")
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = p.Parse("CI Slave 7")
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestParser_Matches(t *testing.T) {
	tests := []struct {
		name   string
		parser Parser
		raw    string
		want   bool
	}{
		{"sequence leading label", SequenceParser{}, "  CI Slave 2023-05-01 #2", true},
		{"sequence other fleet", SequenceParser{}, "Web Server #9", false},
		{"sequence unparseable still matches", SequenceParser{}, "CI Slave latest", true},
		{"kv label first", KeyValueParser{}, "label=CI Slave;seq=1", true},
		{"kv label last", KeyValueParser{}, "seq=3;label=CI Slave", true},
		{"kv name key", KeyValueParser{}, "sequence=3, name=CI Slave nightly", true},
		{"kv other fleet", KeyValueParser{}, "label=Web;seq=1", false},
		{"kv no label", KeyValueParser{}, "seq=1;date=2023-05-01", false},
		{"kv raw text is not a label", KeyValueParser{}, "CI Slave #1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.parser.Matches(tt.raw, "CI Slave"))
		})
	}
}

func TestCandidates_KeyValueAnyKeyOrder(t *testing.T) {
	images := []fleet.TaggedImage{
		{ImageID: "ami-a", TagValue: "label=CI Slave;date=2023-05-01;seq=1"},
		{ImageID: "ami-b", TagValue: "date=2023-05-02;label=CI Slave;seq=2"},
		{ImageID: "ami-c", TagValue: "seq=3;label=CI Slave"},
		{ImageID: "ami-d", TagValue: "label=CI Slave;date=2023-05-04"},
		{ImageID: "ami-e", TagValue: "label=Web;seq=9"},
	}

	got, excluded := Candidates(images, "CI Slave", KeyValueParser{})

	assert.Equal(t, []int{1, 2, 3}, sequences(got))
	require.Len(t, excluded, 1)
	assert.Equal(t, "ami-d", excluded[0].ImageID)
}

func TestNewParser(t *testing.T) {
	p, err := NewParser("")
	require.NoError(t, err)
	assert.IsType(t, SequenceParser{}, p)

	p, err = NewParser(FormatKeyValue)
	require.NoError(t, err)
	assert.IsType(t, KeyValueParser{}, p)

	_, err = NewParser("xml")
	assert.ErrorIs(t, err, fleet.ErrInvalidConfig)
}

func entries(seqs ...int) []fleet.TagEntry {
	out := make([]fleet.TagEntry, 0, len(seqs))
	for i, s := range seqs {
		out = append(out, fleet.TagEntry{
			Image: fleet.TaggedImage{ImageID: fmt.Sprintf("ami-%d", i)},
			Tag:   fleet.Tag{Label: "CI Slave", Sequence: s},
		})
	}
	return out
}

func sequences(es []fleet.TagEntry) []int {
	out := make([]int, 0, len(es))
	for _, e := range es {
		out = append(out, e.Tag.Sequence)
	}
	return out
}

func TestDecide_RemovesOldestBeyondMinimum(t *testing.T) {
	d, err := Decide(entries(1, 2, 3, 4, 5), 3)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, sequences(d.Remove))
	assert.Equal(t, []int{3, 4, 5}, sequences(d.Keep))
}

func TestDecide_UnsortedInput(t *testing.T) {
	d, err := Decide(entries(5, 1, 4, 2, 3), 2)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, sequences(d.Remove))
	assert.Equal(t, []int{4, 5}, sequences(d.Keep))
}

func TestDecide_AtOrBelowMinimumRemovesNothing(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		seqs := make([]int, n)
		for i := range seqs {
			seqs[i] = i + 1
		}

		d, err := Decide(entries(seqs...), 3)
		require.NoError(t, err)
		assert.Empty(t, d.Remove)
		assert.Len(t, d.Keep, n)
	}
}

func TestDecide_ZeroMinimumRemovesAll(t *testing.T) {
	d, err := Decide(entries(2, 1), 0)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, sequences(d.Remove))
	assert.Empty(t, d.Keep)
}

func TestDecide_NegativeMinimum(t *testing.T) {
	_, err := Decide(entries(1), -1)
	assert.ErrorIs(t, err, fleet.ErrInvalidConfig)
}

func TestDecide_StableOnEqualSequences(t *testing.T) {
	in := entries(2, 1, 2, 2)
	d, err := Decide(in, 1)
	require.NoError(t, err)

	// ami-0, ami-2, ami-3 share sequence 2 and keep their input order.
	var removed []string
	for _, e := range d.Remove {
		removed = append(removed, e.Image.ImageID)
	}
	assert.Equal(t, []string{"ami-1", "ami-0", "ami-2"}, removed)
	assert.Equal(t, "ami-3", d.Keep[0].Image.ImageID)
}

func TestDecide_PartitionsInput(t *testing.T) {
	in := entries(9, 3, 7, 1, 5, 3)
	for keep := 0; keep <= len(in)+1; keep++ {
		d, err := Decide(in, keep)
		require.NoError(t, err)

		assert.Len(t, d.Keep, min(keep, len(in)))
		assert.Len(t, d.Remove, len(in)-len(d.Keep))
		assert.ElementsMatch(t, in, append(append([]fleet.TagEntry{}, d.Keep...), d.Remove...))

		for _, r := range d.Remove {
			for _, k := range d.Keep {
				assert.LessOrEqual(t, r.Tag.Sequence, k.Tag.Sequence)
			}
		}
	}
}

func TestDecide_DoesNotMutateInput(t *testing.T) {
	in := entries(3, 1, 2)
	_, err := Decide(in, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, sequences(in))
}

func TestCandidates(t *testing.T) {
	images := []fleet.TaggedImage{
		{ImageID: "ami-a", TagValue: "CI Slave #1"},
		{ImageID: "ami-b", TagValue: "  CI Slave 2023-05-01 #2"},
		{ImageID: "ami-c", TagValue: "Web Server #9"},
		{ImageID: "ami-d", TagValue: "CI Slave latest"},
	}

	got, excluded := Candidates(images, "CI Slave", SequenceParser{})

	require.Len(t, got, 2)
	assert.Equal(t, "ami-a", got[0].Image.ImageID)
	assert.Equal(t, 2, got[1].Tag.Sequence)

	require.Len(t, excluded, 1)
	assert.Equal(t, "ami-d", excluded[0].ImageID)
	assert.Contains(t, excluded[0].Reason, ReasonUnparseable)
}
