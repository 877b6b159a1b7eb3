package engine

import (
	"testing"

	"github.com/ternarybob/scrutor/internal/models"
)

func testBatches(counts map[string]int64) models.BatchList {
	out := make(models.BatchList, 0, len(counts))
	for name, n := range counts {
		out = append(out, models.Batch{CorpusID: 1, Schema: "corpus1", Name: name, RowCount: n})
	}
	out.Sort()
	return out
}

func TestDecideBatchFirstIterationPrefersRest(t *testing.T) {
	all := testBatches(map[string]int64{
		"corpus1": 100, "corpus2": 1000, "corpusrest": 50,
	})

	sel := DecideBatch(SelectorInput{All: all, Needed: 100, PageSize: 20})
	if sel.Batch == nil {
		t.Fatal("expected a batch")
	}
	if !sel.Batch.IsRest() {
		t.Errorf("expected rest batch first, got %s", sel.Batch.Name)
	}
}

func TestDecideBatchFirstIterationSmallestWithoutRest(t *testing.T) {
	all := testBatches(map[string]int64{"corpus1": 100, "corpus2": 1000})

	sel := DecideBatch(SelectorInput{All: all, Needed: 100, PageSize: 20})
	if sel.Batch == nil || sel.Batch.Name != "corpus1" {
		t.Fatalf("expected smallest batch corpus1, got %v", sel.Batch)
	}
}

func TestDecideBatchSingleBatchUniverse(t *testing.T) {
	all := testBatches(map[string]int64{"corpus1": 500})

	sel := DecideBatch(SelectorInput{All: all, Needed: 100, PageSize: 20})
	if sel.Batch == nil || sel.Batch.Name != "corpus1" {
		t.Fatalf("expected the only batch, got %v", sel.Batch)
	}
}

func TestDecideBatchAllDone(t *testing.T) {
	all := testBatches(map[string]int64{"corpus1": 100, "corpus2": 1000})

	sel := DecideBatch(SelectorInput{All: all, Done: all, Needed: 100})
	if sel.Batch != nil {
		t.Errorf("expected no batch, got %v", sel.Batch)
	}
	if !sel.NoMoreData {
		t.Error("expected NoMoreData")
	}
}

func TestDecideBatchResumeReturnsLastDone(t *testing.T) {
	all := testBatches(map[string]int64{"corpus1": 100, "corpus2": 1000})
	done := models.BatchList{all[0]}

	sel := DecideBatch(SelectorInput{All: all, Done: done, Resume: true, Needed: 100})
	if sel.Batch == nil || sel.Batch.Key() != all[0].Key() {
		t.Fatalf("expected resumed batch %s, got %v", all[0].Key(), sel.Batch)
	}
	if sel.NoMoreData {
		t.Error("resume with batches left should not signal NoMoreData")
	}

	sel = DecideBatch(SelectorInput{All: all, Done: all, Resume: true, Needed: 100})
	if sel.Batch == nil || sel.Batch.Key() != all[len(all)-1].Key() {
		t.Fatalf("expected final batch on exhausted resume, got %v", sel.Batch)
	}
	if !sel.NoMoreData {
		t.Error("exhausted resume should signal NoMoreData")
	}
}

func TestDecideBatchFullTakesSmallestRemaining(t *testing.T) {
	all := testBatches(map[string]int64{"corpus1": 100, "corpus2": 1000, "corpus3": 5000})
	done := models.BatchList{all[0]}

	sel := DecideBatch(SelectorInput{All: all, Done: done, Full: true, Needed: -1, SoFar: 90000})
	if sel.Batch == nil || sel.Batch.Name != "corpus2" {
		t.Fatalf("expected corpus2, got %v", sel.Batch)
	}
}

func TestDecideBatchFastPathUnderPageSize(t *testing.T) {
	all := testBatches(map[string]int64{"corpus1": 100, "corpus2": 1000, "corpus3": 5000})
	done := models.BatchList{all[0]}

	// Few results so far: skip projection, take the smallest remaining.
	sel := DecideBatch(SelectorInput{
		All: all, Done: done, SoFar: 3, Needed: 997, PageSize: 20,
	})
	if sel.Batch == nil || sel.Batch.Name != "corpus2" {
		t.Fatalf("expected corpus2 via fast path, got %v", sel.Batch)
	}
}

func TestDecideBatchDensityProjection(t *testing.T) {
	all := testBatches(map[string]int64{"corpus1": 100, "corpus2": 1000, "corpus3": 100000})
	done := models.BatchList{all[0]}

	// 50 hits in 100 rows: density 0.5. Needing 300 more, corpus2 projects
	// 500 >= 330, so it qualifies despite corpus3 also qualifying.
	sel := DecideBatch(SelectorInput{
		All: all, Done: done, SoFar: 50, Needed: 300, PageSize: 20,
	})
	if sel.Batch == nil || sel.Batch.Name != "corpus2" {
		t.Fatalf("expected corpus2 via projection, got %v", sel.Batch)
	}

	// Needing far more than corpus2 projects, the decision skips to corpus3.
	sel = DecideBatch(SelectorInput{
		All: all, Done: done, SoFar: 50, Needed: 5000, PageSize: 20,
	})
	if sel.Batch == nil || sel.Batch.Name != "corpus3" {
		t.Fatalf("expected corpus3 for a large quota, got %v", sel.Batch)
	}
}

func TestDecideBatchFallbackSmallestRemaining(t *testing.T) {
	all := testBatches(map[string]int64{"corpus1": 100, "corpus2": 120})
	done := models.BatchList{all[0]}

	// Density so low nothing projects enough: widen with the smallest left.
	sel := DecideBatch(SelectorInput{
		All: all, Done: done, SoFar: 26, Needed: 100000, PageSize: 20,
	})
	if sel.Batch == nil || sel.Batch.Name != "corpus2" {
		t.Fatalf("expected fallback corpus2, got %v", sel.Batch)
	}
}

func TestDecideBatchDeterministic(t *testing.T) {
	all := testBatches(map[string]int64{
		"corpusa": 100, "corpusb": 100, "corpusc": 100,
	})
	done := models.BatchList{}

	first := DecideBatch(SelectorInput{All: all, Done: done, SoFar: 30, Needed: 100, PageSize: 20})
	for i := 0; i < 20; i++ {
		again := DecideBatch(SelectorInput{All: all, Done: done, SoFar: 30, Needed: 100, PageSize: 20})
		if again.Batch == nil || first.Batch == nil || again.Batch.Key() != first.Batch.Key() {
			t.Fatalf("selection not deterministic: %v vs %v", first.Batch, again.Batch)
		}
	}
	// Equal row counts break ties on name.
	if first.Batch.Name != "corpusa" {
		t.Errorf("expected name tie-break to pick corpusa, got %s", first.Batch.Name)
	}
}
