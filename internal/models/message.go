// -----------------------------------------------------------------------
// Wire messages - websocket actions and published progress payloads
// -----------------------------------------------------------------------

package models

import "encoding/json"

// Client-sent websocket actions.
const (
	ActionQuery     = "query"
	ActionSentences = "sentences"
	ActionMeta      = "meta"
	ActionFetch     = "fetch"
	ActionStop      = "stop"
	ActionPing      = "ping"
)

// Server-pushed websocket actions. ActionSentences and ActionMeta are also
// pushed for the corresponding deliveries.
const (
	ActionQueryResult   = "query_result"
	ActionTimeout       = "timeout"
	ActionFailed        = "failed"
	ActionKwicLimit     = "kwic_limit"
	ActionNoBatch       = "no_batch"
	ActionSetConfig     = "set_config"
	ActionStartedExport = "started_export"
	ActionExportDone    = "export_complete"
	ActionPong          = "pong"
)

// Result statuses visible to clients.
const (
	StatusFinished  = "finished"
	StatusSatisfied = "satisfied"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusError     = "error"
	StatusAccepted  = "accepted"
)

// ClientMessage is the flat envelope of a websocket frame from the client:
// an action plus action-specific fields decoded on demand.
type ClientMessage struct {
	Action string `json:"action"`
	Raw    json.RawMessage
}

// DecodeClientMessage peels the action off a frame and keeps the raw bytes
// for the per-action decode.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	return &ClientMessage{Action: probe.Action, Raw: json.RawMessage(data)}, nil
}

// Into decodes the frame body into an action-specific struct.
func (m *ClientMessage) Into(v interface{}) error {
	return json.Unmarshal(m.Raw, v)
}

// RoutingView is the minimal decode the listener needs to route a published
// payload; the original bytes are forwarded untouched.
type RoutingView struct {
	Action   string `json:"action"`
	Status   string `json:"status"`
	User     string `json:"user"`
	Room     string `json:"room"`
	Job      string `json:"job"`
	FirstJob string `json:"first_job"`
	MsgID    string `json:"msg_id"`
}

// QueryProgress is the full payload the query callback publishes after each
// batch. The listener decodes it again only when it has to synthesize the
// next iteration.
type QueryProgress struct {
	Action string `json:"action"`
	Status string `json:"status"`
	Job    string `json:"job"`
	MsgID  string `json:"msg_id"`

	User string `json:"user"`
	Room string `json:"room"`

	Result     ResultMap `json:"result"`
	FullResult ResultMap `json:"full_result,omitempty"`

	Corpora   []int    `json:"corpora"`
	Languages []string `json:"languages"`

	CurrentBatch *Batch    `json:"current_batch"`
	DoneBatches  BatchList `json:"done_batches"`
	AllBatches   BatchList `json:"all_batches"`

	TotalResultsRequested int     `json:"total_results_requested"`
	TotalResultsSoFar     int     `json:"total_results_so_far"`
	BatchMatches          int     `json:"batch_matches"`
	ProjectedResults      int     `json:"projected_results"`
	PercentageDone        float64 `json:"percentage_done"`
	PercentageWordsDone   float64 `json:"percentage_words_done"`
	HitLimit              int     `json:"hit_limit"`
	WordCount             int64   `json:"word_count"`

	PageSize         int     `json:"page_size"`
	Offset           int     `json:"offset"`
	Full             bool    `json:"full"`
	Sentences        bool    `json:"sentences"`
	CurrentKwicLines int     `json:"current_kwic_lines"`
	TotalDuration    float64 `json:"total_duration"`
	Duration         float64 `json:"duration"`

	FirstJob   string `json:"first_job"`
	Query      string `json:"query"`
	Resume     bool   `json:"resume"`
	FromMemory bool   `json:"from_memory,omitempty"`

	ToExport *ExportIntent `json:"to_export,omitempty"`
}

// SentenceDelivery is the payload published when a sentence or meta job
// lands; `query` names the batch job, `base` the logical query.
type SentenceDelivery struct {
	Action    string      `json:"action"`
	Status    string      `json:"status"`
	Query     string      `json:"query"`
	Base      string      `json:"base"`
	User      string      `json:"user"`
	Room      string      `json:"room"`
	MsgID     string      `json:"msg_id"`
	Sentences SentenceMap `json:"sentences,omitempty"`
	Meta      SentenceMap `json:"meta,omitempty"`
	Full      bool        `json:"full,omitempty"`
	Percent   float64     `json:"percentage_done,omitempty"`

	// Result carries the delivered window's plain buckets hydrated with
	// their sentence context; this is the displayable form of the lines
	// the query callback only counted.
	Result           ResultMap `json:"result,omitempty"`
	CurrentKwicLines int       `json:"current_kwic_lines,omitempty"`
}

// FailurePayload is published for terminal failures; the traceback field is
// populated only in debug deployments.
type FailurePayload struct {
	Status    string  `json:"status"`
	Action    string  `json:"action,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	Value     string  `json:"value,omitempty"`
	Traceback string  `json:"traceback,omitempty"`
	Job       string  `json:"job"`
	User      string  `json:"user"`
	Room      string  `json:"room"`
	Timeout   float64 `json:"timeout,omitempty"`
}

// RefusalPayload carries the synchronous refusal of an iteration: the kwic
// guard tripping or the batch universe being exhausted.
type RefusalPayload struct {
	Status string `json:"status"`
	Action string `json:"action"`
	User   string `json:"user"`
	Room   string `json:"room"`
	Info   string `json:"info"`
}
