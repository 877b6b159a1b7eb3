// -----------------------------------------------------------------------
// Generator - the contract to the query compiler
// -----------------------------------------------------------------------

package engine

import (
	"context"

	"github.com/ternarybob/scrutor/internal/models"
)

// Compiled is everything the compiler produces for one batch: the primary
// statement, the context templates still carrying the id placeholder, the
// descriptor and the post-processing filters.
type Compiled struct {
	SQL           string
	SentencesSQL  string
	MetaSQL       string
	ResultSets    []models.ResultSet
	PostProcesses PostProcess
}

// Generator compiles the user's query against one batch. The engine never
// inspects query syntax; it only moves the compiled artifacts around.
type Generator interface {
	Compile(ctx context.Context, query string, corpus *models.CorpusConfig, batch models.Batch, languages []string) (*Compiled, error)
}
