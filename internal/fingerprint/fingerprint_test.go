package fingerprint

import "testing"

// TestQueryDeterminism verifies the same SQL always produces the same id.
func TestQueryDeterminism(t *testing.T) {
	sql := "SELECT s.segment_id, t.token_id FROM corpus1.tokens0 t JOIN corpus1.segments0 s USING (segment_id)"

	first := Query(sql)
	for i := 0; i < 100; i++ {
		if got := Query(sql); got != first {
			t.Fatalf("fingerprint changed between calls: %s vs %s", got, first)
		}
	}
}

// TestQueryDistinguishesSQL verifies distinct SQL gets distinct ids.
func TestQueryDistinguishesSQL(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{"different tables", "SELECT * FROM a", "SELECT * FROM b"},
		{"whitespace matters", "SELECT *  FROM a", "SELECT * FROM a"},
		{"case matters", "select * from a", "SELECT * FROM a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Query(tt.a) == Query(tt.b) {
				t.Errorf("expected distinct fingerprints for %q and %q", tt.a, tt.b)
			}
		})
	}
}

// TestSentencesWindowIsPartOfIdentity verifies that the same sentence SQL
// over a different window is a different job.
func TestSentencesWindowIsPartOfIdentity(t *testing.T) {
	sql := "SELECT segment_id, off_set, content FROM corpus1.prepared_segment WHERE segment_id = ANY(:ids);"
	dep := Query("SELECT 1")

	base := Sentences(sql, dep, 0, 100, false)

	if got := Sentences(sql, dep, 0, 100, false); got != base {
		t.Errorf("identical inputs should fingerprint identically: %s vs %s", got, base)
	}
	if got := Sentences(sql, dep, 100, 100, false); got == base {
		t.Error("offset should be part of the identity")
	}
	if got := Sentences(sql, dep, 0, 200, false); got == base {
		t.Error("needed should be part of the identity")
	}
	if got := Sentences(sql, dep, 0, 100, true); got == base {
		t.Error("full flag should be part of the identity")
	}
	if got := Sentences(sql, Query("SELECT 2"), 0, 100, false); got == base {
		t.Error("parent job should be part of the identity")
	}
}

// TestSentenceAndMetaNeverCollide verifies the two dependent kinds keep
// distinct identities even over identical inputs.
func TestSentenceAndMetaNeverCollide(t *testing.T) {
	sql := "SELECT -2::int2 AS rstype, s.* FROM corpus1.segments0 s WHERE s.segment_id = ANY(:ids);"
	dep := Query("SELECT 1")

	if Sentences(sql, dep, 0, 50, false) == Meta(sql, dep, 0, 50, false) {
		t.Error("sentence and meta jobs over the same tuple must not share an id")
	}
}
