// Package fingerprint derives deterministic job identities from compiled
// SQL. Identical SQL text fingerprints identically in every process and
// every run, which is what lets the job registry double as a result cache.
package fingerprint

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Query fingerprints the compiled SQL of a primary query job.
func Query(sql string) string {
	return strconv.FormatUint(xxhash.Sum64String(sql), 10)
}

// Sentences fingerprints a sentence-context job: the sentence SQL plus the
// identity of the query it depends on and the resolved window. The window
// is part of the identity because the same parent can serve several pages.
func Sentences(sql, dependedOn string, offset, needed int, full bool) string {
	return tuple("sent", sql, dependedOn, offset, needed, full)
}

// Meta fingerprints a metadata-context job the same way sentence jobs are
// fingerprinted, under a distinct tag so the two never collide.
func Meta(sql, dependedOn string, offset, needed int, full bool) string {
	return tuple("meta", sql, dependedOn, offset, needed, full)
}

func tuple(tag, sql, dependedOn string, offset, needed int, full bool) string {
	d := xxhash.New()
	d.WriteString(tag)
	d.WriteString("\x1f")
	d.WriteString(sql)
	d.WriteString("\x1f")
	d.WriteString(dependedOn)
	d.WriteString("\x1f")
	d.WriteString(strconv.Itoa(offset))
	d.WriteString("\x1f")
	d.WriteString(strconv.Itoa(needed))
	d.WriteString("\x1f")
	d.WriteString(strconv.FormatBool(full))
	return strconv.FormatUint(d.Sum64(), 10)
}
