package models

import "encoding/json"

// QueryRequest is the body of POST /query and of the `query` websocket
// action. Validation happens synchronously before anything is enqueued.
type QueryRequest struct {
	User                  string   `json:"user" validate:"required"`
	Room                  string   `json:"room"`
	Corpora               []int    `json:"corpora" validate:"required,min=1,dive,gt=0"`
	Query                 string   `json:"query" validate:"required"`
	Languages             []string `json:"languages"`
	TotalResultsRequested int      `json:"total_results_requested"`
	PageSize              int      `json:"page_size" validate:"gte=0"`
	Sentences             *bool    `json:"sentences"`
	Full                  bool     `json:"full"`
	Resume                bool     `json:"resume"`
	Previous              string   `json:"previous"`
	CurrentKwicLines      int      `json:"current_kwic_lines"`
	ToExport              string   `json:"to_export"`
}

// Normalize fills the defaults the engine assumes downstream.
func (r *QueryRequest) Normalize() {
	if r.TotalResultsRequested == 0 {
		r.TotalResultsRequested = 1000
	}
	if r.PageSize == 0 {
		r.PageSize = 20
	}
	if len(r.Languages) == 0 {
		r.Languages = []string{"en"}
	}
}

// WantsSentences reports whether sentence context should be scheduled;
// the default is yes.
func (r *QueryRequest) WantsSentences() bool {
	if r.Sentences == nil {
		return true
	}
	return *r.Sentences
}

// Unlimited reports whether the request asks for the whole corpus rather
// than a bounded result window.
func (r *QueryRequest) Unlimited() bool {
	return r.Full || r.TotalResultsRequested == -1
}

// QueryResponse is the synchronous answer to POST /query.
type QueryResponse struct {
	Status string `json:"status"`
	Job    string `json:"job"`
}

// ExportRequest triggers an export of a finished logical query.
type ExportRequest struct {
	User     string `json:"user" validate:"required"`
	Room     string `json:"room"`
	FirstJob string `json:"first_job" validate:"required"`
	Format   string `json:"format" validate:"required,oneof=dump"`
}

// ExportIntent travels inside query job args when the client asked for the
// results to be exported once the query completes.
type ExportIntent struct {
	Format string `json:"format"`
	User   string `json:"user"`
	Room   string `json:"room"`
}

// DecodeExportIntent reads an intent back out of a job argument value.
func DecodeExportIntent(raw interface{}) (*ExportIntent, bool) {
	if raw == nil {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var intent ExportIntent
	if err := json.Unmarshal(data, &intent); err != nil || intent.Format == "" {
		return nil, false
	}
	return &intent, true
}
