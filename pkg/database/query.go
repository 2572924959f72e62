package database

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sirrobot01/dbctl/pkg/apperr"
	"github.com/sirrobot01/dbctl/pkg/runtime"
	"github.com/sirrobot01/dbctl/pkg/storage"
)

// Executor runs ad-hoc SQL inside a pool container through the dialect's
// CLI, under a per-invocation wall clock.
type Executor struct {
	runtime runtime.Client
	timeout time.Duration
}

// NewExecutor creates a query executor bound to a runtime client.
func NewExecutor(client runtime.Client, timeout time.Duration) *Executor {
	return &Executor{
		runtime: client,
		timeout: timeout,
	}
}

// RawOutput is the unparsed CLI output pair, used for format=text.
type RawOutput struct {
	Stdout string
	Stderr string
}

// ExecuteRaw runs the query through the pretty-table CLI variant and
// returns stdout/stderr unmodified.
func (e *Executor) ExecuteRaw(ctx context.Context, inst *storage.Instance, sql string) (*RawOutput, error) {
	dialect, err := GetDialect(inst.Dialect)
	if err != nil {
		return nil, err
	}

	argv, env := dialect.CLIArgvText(inst.DbName, inst.DbUser, inst.DbPassword, sql)
	log.Debug().Str("db_id", inst.DbID).Strs("argv", argv).Msg("Executing query (text)")

	result, err := e.exec(ctx, inst.ContainerID, argv, env)
	if err != nil {
		return nil, err
	}
	return &RawOutput{Stdout: result.Stdout, Stderr: result.Stderr}, nil
}

// Execute runs the query through the tab-separated CLI variant and parses
// the full output into a typed event sequence. The sequence always ends
// with exactly one DoneEvent.
func (e *Executor) Execute(ctx context.Context, inst *storage.Instance, sql string) ([]QueryEvent, error) {
	dialect, err := GetDialect(inst.Dialect)
	if err != nil {
		return nil, err
	}

	argv, env := dialect.CLIArgv(inst.DbName, inst.DbUser, inst.DbPassword, sql)
	log.Debug().Str("db_id", inst.DbID).Strs("argv", argv).Msg("Executing query")

	result, err := e.exec(ctx, inst.ContainerID, argv, env)
	if err != nil {
		return nil, err
	}
	return parseCLIOutput(result.Stdout, result.Stderr, dialect), nil
}

func (e *Executor) exec(ctx context.Context, containerID string, argv, env []string) (*runtime.ExecResult, error) {
	result, err := e.runtime.ExecWithTimeout(ctx, containerID, argv, env, e.timeout)
	if err != nil {
		if errors.Is(err, runtime.ErrExecTimeout) {
			return nil, apperr.New(apperr.QueryTimeout, "Query exceeded timeout limit")
		}
		return nil, apperr.Wrap(apperr.DockerError, "Docker error", err)
	}
	return result, nil
}

// parseCLIOutput turns the CLI's stdout/stderr into typed events.
//
// stderr comes first: every non-empty trimmed line is an error or a plain
// line per the dialect's heuristic. stdout is then scanned for result
// messages, error lines and tab-separated record blocks. The first data
// line of a block is its header; a blank line closes the block. A line
// without tabs still opens a single-column block when the following line
// looks like data, so `SELECT a FROM t` parses as records rather than
// loose text.
func parseCLIOutput(stdout, stderr string, dialect Dialect) []QueryEvent {
	var events []QueryEvent

	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if dialect.IsErrorLine(line) {
			events = append(events, newErrorEvent(line))
		} else {
			events = append(events, newLineEvent(line))
		}
	}

	lines := strings.Split(stdout, "\n")
	var header []string

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			header = nil
			continue
		}

		if isResultMessage(line) {
			events = append(events, newLineEvent(line))
			continue
		}

		if dialect.IsErrorLine(line) {
			events = append(events, newErrorEvent(line))
			continue
		}

		if isSeparatorLine(line) {
			continue
		}

		cells := strings.Split(line, "\t")
		if header == nil {
			if len(cells) > 1 || startsDataBlock(lines, i+1, dialect) {
				header = cells
			} else {
				events = append(events, newLineEvent(line))
			}
			continue
		}

		row := make([]any, len(cells))
		for j, cell := range cells {
			row[j] = parseValue(strings.TrimSpace(cell))
		}
		events = append(events, newRecordEvent(header, row))
	}

	events = append(events, newDoneEvent())
	return events
}

// isResultMessage matches the engine's human-readable outcome lines.
func isResultMessage(line string) bool {
	return strings.HasPrefix(line, "Query OK") ||
		strings.HasPrefix(line, "Rows matched") ||
		strings.Contains(line, "row(s) affected") ||
		strings.Contains(line, "rows affected")
}

// isSeparatorLine reports a decoration line such as sqlcmd's dashed
// header underline: only '-', '+', space and tab characters.
func isSeparatorLine(line string) bool {
	for _, r := range line {
		if r != '-' && r != '+' && r != ' ' && r != '\t' {
			return false
		}
	}
	return true
}

// startsDataBlock peeks at the next line to decide whether a tab-less
// line is a single-column header: the next line must be more data, not a
// message, error or end of block.
func startsDataBlock(lines []string, next int, dialect Dialect) bool {
	if next >= len(lines) {
		return false
	}
	line := strings.TrimSpace(lines[next])
	if line == "" {
		return false
	}
	return !isResultMessage(line) && !dialect.IsErrorLine(line)
}

// parseValue applies the cell precedence null, int, float, bool, string.
// Bare "0" and "1" therefore come out as integers, not booleans, which
// keeps SQL count-like output numeric.
func parseValue(s string) any {
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	if strings.EqualFold(s, "true") || s == "1" {
		return true
	}
	if strings.EqualFold(s, "false") || s == "0" {
		return false
	}
	return s
}
