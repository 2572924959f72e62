package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirrobot01/dbctl/pkg/apperr"
	"github.com/sirrobot01/dbctl/pkg/database"
	"github.com/sirrobot01/dbctl/pkg/storage"
)

// Wire statuses. Stored statuses are a lifecycle detail; the API reports
// the container-era vocabulary clients already know.
const (
	statusStarting  = "starting"
	statusRunning   = "running"
	statusStopped   = "stopped"
	statusArchived  = "archived"
	statusDestroyed = "destroyed"
)

// wireStatus maps a stored instance status to its wire form. Restoring
// reports as starting: the instance exists but is not queryable yet.
func wireStatus(stored storage.Status) string {
	switch stored {
	case storage.StatusActive:
		return statusRunning
	case storage.StatusArchived:
		return statusArchived
	case storage.StatusRestoring:
		return statusStarting
	default:
		return string(stored)
	}
}

// CreateDbRequest creates a database, or revives the archived one with the
// given id.
type CreateDbRequest struct {
	Dialect string `json:"dialect"`
	DbID    string `json:"db_id"`
}

type CreateDbResponse struct {
	DbID     string `json:"db_id"`
	Dialect  string `json:"dialect"`
	Status   string `json:"status"`
	Restored bool   `json:"restored,omitempty"`
}

type DbStatusResponse struct {
	DbID            string     `json:"db_id"`
	Dialect         string     `json:"dialect"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	LastActivity    time.Time  `json:"last_activity"`
	ExpiresAt       time.Time  `json:"expires_at"`
	BackupAvailable bool       `json:"backup_available,omitempty"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
}

type DestroyDbResponse struct {
	DbID   string `json:"db_id"`
	Status string `json:"status"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Docker string `json:"docker"`
}

// QueryRequest executes SQL against an instance. Format is "text", "json"
// or "jsonl"; transport "sse" selects the event stream when format is
// unset.
type QueryRequest struct {
	Query     string `json:"query"`
	Format    string `json:"format"`
	Transport string `json:"transport"`
}

type outputFormat int

const (
	formatJSON outputFormat = iota
	formatText
	formatJsonl
)

// resolveFormat picks the response shape. jsonl implies SSE transport and
// transport=sse implies jsonl; anything unrecognized falls back to json.
func resolveFormat(format, transport string) outputFormat {
	switch format {
	case "text":
		return formatText
	case "json":
		return formatJSON
	case "jsonl":
		return formatJsonl
	case "":
		if transport == "sse" {
			return formatJsonl
		}
		return formatJSON
	default:
		return formatJSON
	}
}

// JSONQueryResponse is the collapsed form of an event sequence for
// format=json clients.
type JSONQueryResponse struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	AffectedRows *uint64  `json:"affected_rows,omitempty"`
	Error        string   `json:"error,omitempty"`
	Messages     []string `json:"messages,omitempty"`
}

// collapseEvents folds a finished event sequence into one JSON document.
// The first record's header wins; error messages join with newlines.
func collapseEvents(events []database.QueryEvent) JSONQueryResponse {
	var resp JSONQueryResponse
	var columns []string
	var rows [][]any

	for _, ev := range events {
		switch e := ev.(type) {
		case database.LineEvent:
			resp.Messages = append(resp.Messages, e.Text)
		case database.RecordEvent:
			if columns == nil {
				columns = e.Columns
			}
			rows = append(rows, e.Row)
		case database.ErrorEvent:
			if resp.Error == "" {
				resp.Error = e.Message
			} else {
				resp.Error += "\n" + e.Message
			}
		case database.DoneEvent:
			resp.AffectedRows = e.AffectedRows
		}
	}

	if len(rows) > 0 {
		resp.Columns = columns
		resp.Rows = rows
	}
	return resp
}

// textBody combines raw CLI output, stderr first when both are present.
func textBody(out *database.RawOutput) string {
	switch {
	case out.Stderr == "":
		return out.Stdout
	case out.Stdout == "":
		return out.Stderr
	default:
		return strings.TrimRight(out.Stderr, "\n\r\t ") + "\n" + out.Stdout
	}
}

// addResultSeparators inserts a literal --- line between adjacent ASCII
// tables so multi-statement text output stays readable. A table border is
// a +---+ style line; two in a row mean one table ended and another began.
func addResultSeparators(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}

	result := make([]string, 0, len(lines))
	prevWasBorder := false

	for _, line := range lines {
		isBorder := strings.HasPrefix(line, "+") && strings.HasSuffix(line, "+") && strings.Contains(line, "-")
		if prevWasBorder && isBorder {
			result = append(result, "---")
		}
		result = append(result, line)
		prevWasBorder = isBorder
	}

	return strings.Join(result, "\n")
}

// errorBody is the envelope every failure uses.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse classifies err and writes the envelope. Unclassified
// errors surface as INTERNAL_ERROR with the cause in detail.
func errorResponse(w http.ResponseWriter, err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		e = apperr.Wrap(apperr.Internal, "Internal server error", err)
	}

	jsonResponse(w, e.Kind.StatusCode(), errorBody{
		Error: errorDetail{
			Code:    e.Kind.Code(),
			Message: e.Message,
			Detail:  e.Detail,
		},
	})
}

// badRequest covers malformed input the router lets through: bodies that
// do not decode and ids that do not parse.
func badRequest(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusBadRequest, errorBody{
		Error: errorDetail{
			Code:    "BAD_REQUEST",
			Message: message,
		},
	})
}
