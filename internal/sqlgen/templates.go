// -----------------------------------------------------------------------
// Templates - the context statements every compiled query carries
// -----------------------------------------------------------------------

package sqlgen

import (
	"fmt"
	"strings"

	"github.com/ternarybob/scrutor/internal/models"
)

// langSuffix picks the per-language table suffix: multilingual corpora
// split their prepared segment tables by language code.
func langSuffix(corpus *models.CorpusConfig, languages []string) string {
	if len(corpus.Languages) <= 1 || len(languages) == 0 {
		return ""
	}
	return "_" + strings.ToLower(languages[0])
}

// SentencesSQL renders the sentence-context template for one corpus. The
// id placeholder is substituted worker-side from the parent's matches;
// the server never binds it.
func SentencesSQL(corpus *models.CorpusConfig, languages []string) string {
	seg := corpus.SegmentName()
	return fmt.Sprintf(
		"SELECT %s_id, off_set, content FROM %s.prepared_%s%s WHERE %s_id = ANY(:ids);",
		seg, corpus.Schema, seg, langSuffix(corpus, languages), seg,
	)
}

// MetaSQL renders the metadata-context template: rows lead with the
// reserved meta result type so deliveries self-identify.
func MetaSQL(corpus *models.CorpusConfig, languages []string) string {
	seg := corpus.SegmentName()
	return fmt.Sprintf(
		"SELECT -2::int2 AS rstype, s.%s_id, s.meta FROM %s.%s%s s WHERE s.%s_id = ANY(:ids);",
		seg, corpus.Schema, seg, langSuffix(corpus, languages), seg,
	)
}
