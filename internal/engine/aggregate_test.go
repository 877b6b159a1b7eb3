package engine

import (
	"reflect"
	"testing"

	"github.com/ternarybob/scrutor/internal/models"
)

var testSets = []models.ResultSet{
	{Name: "kwic", Type: "plain"},
	{Name: "freq", Type: "analysis"},
}

func rawLines(pairs ...[2]interface{}) []models.RawLine {
	out := make([]models.RawLine, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, models.RawLine{Key: p[0].(int), Data: p[1]})
	}
	return out
}

func kwicLine(seg string, rest ...interface{}) []interface{} {
	return append([]interface{}{seg}, rest...)
}

func TestAddResultsCountsPlainWithoutStoring(t *testing.T) {
	lines := rawLines(
		[2]interface{}{1, kwicLine("s1", "a")},
		[2]interface{}{1, kwicLine("s2", "b")},
		[2]interface{}{2, []interface{}{"the", 42}},
	)

	bundle, n, err := AddResults(lines, AddSpec{
		TotalRequested: 100,
		ResultSets:     testSets,
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 plain matches counted, got %d", n)
	}
	if got := bundle.Lines(1); got != nil {
		t.Errorf("counting pass must not store plain lines, got %v", got)
	}
	if got := bundle.Lines(2); len(got) != 1 {
		t.Errorf("expected 1 analysis line, got %v", got)
	}
}

func TestAddResultsQuotaCountsBeforeWindow(t *testing.T) {
	lines := rawLines(
		[2]interface{}{1, kwicLine("s1")},
		[2]interface{}{1, kwicLine("s2")},
		[2]interface{}{1, kwicLine("s3")},
		[2]interface{}{1, kwicLine("s4")},
	)

	// Window keeps at most 2 lines; the match count still reports all 4.
	bundle, n, err := AddResults(lines, AddSpec{
		Kwic:           true,
		TotalRequested: 2,
		ResultSets:     testSets,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Lines(1)) != 2 {
		t.Errorf("expected 2 windowed lines, got %d", len(bundle.Lines(1)))
	}
	if n != 4 {
		t.Errorf("expected pre-window count 4, got %d", n)
	}
}

func TestAddResultsOffsetAppliedBeforeTruncation(t *testing.T) {
	lines := rawLines(
		[2]interface{}{1, kwicLine("s1")},
		[2]interface{}{1, kwicLine("s2")},
		[2]interface{}{1, kwicLine("s3")},
		[2]interface{}{1, kwicLine("s4")},
	)

	bundle, _, err := AddResults(lines, AddSpec{
		Kwic:           true,
		Offset:         2,
		TotalRequested: 10,
		ResultSets:     testSets,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := bundle.Lines(1)
	if len(got) != 2 {
		t.Fatalf("expected lines s3 and s4 after offset 2, got %v", got)
	}
	first, _ := got[0].([]interface{})
	if first[0] != "s3" {
		t.Errorf("offset must skip leading matches, got first %v", first[0])
	}
}

func TestAddResultsRestartSkipsDeliveredWindow(t *testing.T) {
	lines := rawLines(
		[2]interface{}{1, kwicLine("s1")},
		[2]interface{}{1, kwicLine("s2")},
		[2]interface{}{1, kwicLine("s3")},
	)

	bundle, _, err := AddResults(lines, AddSpec{
		Kwic:           true,
		Restart:        2,
		TotalRequested: 10,
		ResultSets:     testSets,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := bundle.Lines(1)
	if len(got) != 1 {
		t.Fatalf("expected only the match past the restart point, got %v", got)
	}
}

func TestAddResultsHydratesFromSentences(t *testing.T) {
	lines := rawLines(
		[2]interface{}{1, kwicLine("s1", float64(7))},
		[2]interface{}{1, kwicLine("s2", float64(9))},
	)
	sents := models.SentenceMap{
		"s1": []interface{}{float64(100), "the quick fox"},
	}

	bundle, _, err := AddResults(lines, AddSpec{
		Kwic:           true,
		TotalRequested: 10,
		Sentences:      sents,
		ResultSets:     testSets,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := bundle.Lines(1)
	if len(got) != 2 {
		t.Fatalf("expected both lines kept, got %v", got)
	}
	hydrated, _ := got[0].([]interface{})
	want := []interface{}{"s1", float64(100), "the quick fox", float64(7)}
	if !reflect.DeepEqual(hydrated, want) {
		t.Errorf("hydrated line mismatch:\n got %v\nwant %v", hydrated, want)
	}
	// The undelivered segment passes through unchanged.
	plain, _ := got[1].([]interface{})
	if !reflect.DeepEqual(plain, kwicLine("s2", float64(9))) {
		t.Errorf("undelivered segment must pass through, got %v", plain)
	}
}

func TestAddResultsDescriptorRowDetectsKwics(t *testing.T) {
	desc := map[string]interface{}{
		"result_sets": []interface{}{
			map[string]interface{}{"name": "kwic", "type": "plain"},
		},
	}
	lines := rawLines(
		[2]interface{}{0, desc},
		[2]interface{}{1, kwicLine("s1")},
	)

	bundle, n, err := AddResults(lines, AddSpec{TotalRequested: 10})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected descriptor row to mark bucket 1 plain, count %d", n)
	}
	if _, ok := bundle.Descriptor(); !ok {
		t.Error("descriptor row must land under key 0")
	}
}

func TestUnionResultsPlainExtendsOthersReplace(t *testing.T) {
	base := models.ResultMap{
		0: map[string]interface{}{"result_sets": []interface{}{
			map[string]interface{}{"name": "kwic", "type": "plain"},
			map[string]interface{}{"name": "freq", "type": "analysis"},
		}},
		1: []interface{}{"a"},
		2: []interface{}{"old"},
	}
	addition := models.ResultMap{
		1: []interface{}{"b"},
		2: []interface{}{"new"},
	}

	merged := UnionResults(base, addition)
	if got := merged.Lines(1); len(got) != 2 {
		t.Errorf("plain bucket should extend, got %v", got)
	}
	if got := merged.Lines(2); len(got) != 1 || got[0] != "new" {
		t.Errorf("analysis bucket should replace, got %v", got)
	}
}

func TestUnionResultsDescriptorKeepsFirst(t *testing.T) {
	first := map[string]interface{}{"result_sets": []interface{}{
		map[string]interface{}{"name": "kwic", "type": "plain"},
	}}
	base := models.ResultMap{0: first}
	addition := models.ResultMap{0: map[string]interface{}{"result_sets": []interface{}{}}}

	merged := UnionResults(base, addition)
	if !reflect.DeepEqual(merged[0], first) {
		t.Errorf("descriptor must keep the first value, got %v", merged[0])
	}
}

func TestSentenceMergeCommutative(t *testing.T) {
	a := models.SentenceMap{"s1": "alpha", "s2": "beta"}
	b := models.SentenceMap{"s2": "beta", "s3": "gamma"}

	left := models.SentenceMap{}
	left.Merge(a)
	left.Merge(b)

	right := models.SentenceMap{}
	right.Merge(b)
	right.Merge(a)

	if !reflect.DeepEqual(left, right) {
		t.Errorf("sentence merge must be order independent:\n %v\n %v", left, right)
	}
}

func TestPostProcessApplyIdempotent(t *testing.T) {
	pp := PostProcess{
		1: {{Column: 1, Op: "gt", Value: float64(5)}},
	}
	m := models.ResultMap{
		0: map[string]interface{}{"result_sets": []interface{}{
			map[string]interface{}{"name": "kwic", "type": "plain"},
		}},
		1: []interface{}{
			[]interface{}{"s1", float64(3)},
			[]interface{}{"s2", float64(9)},
		},
	}

	pp.Apply(m)
	if got := m.Lines(1); len(got) != 1 {
		t.Fatalf("expected one surviving line, got %v", got)
	}
	before := m.Clone()
	pp.Apply(m)
	if !reflect.DeepEqual(m, before) {
		t.Error("second application must be a no-op")
	}
}

func TestPostProcessRoundTrip(t *testing.T) {
	pp := PostProcess{2: {{Column: 0, Op: "eq", Value: "the"}}}

	decoded, err := DecodePostProcess(map[string]interface{}{
		"2": []interface{}{
			map[string]interface{}{"column": float64(0), "op": "eq", "value": "the"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Equal(pp) {
		t.Errorf("descriptor round-trip mismatch: %v vs %v", decoded, pp)
	}
}
