package database

// QueryEvent is one element of the typed sequence a query produces. Each
// concrete event marshals with a lowercase "type" discriminator: line,
// record, error, done.
type QueryEvent interface {
	// EventType returns the wire tag, also used as the SSE event name.
	EventType() string
}

// LineEvent carries an informational line: notices, "Query OK" messages,
// warnings not classified as errors.
type LineEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (e LineEvent) EventType() string { return "line" }

// RecordEvent is one result row together with its header.
type RecordEvent struct {
	Type    string   `json:"type"`
	Columns []string `json:"columns"`
	Row     []any    `json:"row"`
}

func (e RecordEvent) EventType() string { return "record" }

// ErrorEvent is a CLI output line the dialect flagged as an engine error.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e ErrorEvent) EventType() string { return "error" }

// DoneEvent ends every sequence, exactly once. AffectedRows is always
// null today; when the engine reports a count it arrives as a LineEvent
// ("Query OK, 2 rows affected") instead.
type DoneEvent struct {
	Type         string  `json:"type"`
	AffectedRows *uint64 `json:"affected_rows"`
}

func (e DoneEvent) EventType() string { return "done" }

func newLineEvent(text string) LineEvent {
	return LineEvent{Type: "line", Text: text}
}

func newRecordEvent(columns []string, row []any) RecordEvent {
	return RecordEvent{Type: "record", Columns: columns, Row: row}
}

func newErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: "error", Message: message}
}

func newDoneEvent() DoneEvent {
	return DoneEvent{Type: "done"}
}
