package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirrobot01/dbctl/pkg/apperr"
	"github.com/sirrobot01/dbctl/pkg/runtime"
	"github.com/sirrobot01/dbctl/pkg/storage"
)

func testInstance() *storage.Instance {
	return &storage.Instance{
		DbID:        "11111111-2222-3333-4444-555555555555",
		Dialect:     "mysql",
		DbName:      "db_x",
		DbUser:      "user_x",
		DbPassword:  "pw",
		Status:      storage.StatusActive,
		ContainerID: "pool-mysql-1",
		HostPort:    49153,
	}
}

func mustDialect(t *testing.T, name string) Dialect {
	t.Helper()
	d, err := GetDialect(name)
	if err != nil {
		t.Fatalf("failed to get dialect %s: %v", name, err)
	}
	return d
}

func TestParseSingleColumnSelect(t *testing.T) {
	d := mustDialect(t, "mysql")
	events := parseCLIOutput("a\n1\n2\n", "", d)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	for i, want := range []int64{1, 2} {
		rec, ok := events[i].(RecordEvent)
		if !ok {
			t.Fatalf("event %d is %T, want RecordEvent", i, events[i])
		}
		if len(rec.Columns) != 1 || rec.Columns[0] != "a" {
			t.Errorf("event %d columns = %v", i, rec.Columns)
		}
		if len(rec.Row) != 1 || rec.Row[0] != want {
			t.Errorf("event %d row = %v, want [%d]", i, rec.Row, want)
		}
	}
	if _, ok := events[2].(DoneEvent); !ok {
		t.Errorf("last event is %T, want DoneEvent", events[2])
	}
}

func TestParseMultiColumn(t *testing.T) {
	d := mustDialect(t, "mysql")
	events := parseCLIOutput("id\tname\n1\talice\n2\tbob\n", "", d)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	rec := events[0].(RecordEvent)
	if rec.Columns[0] != "id" || rec.Columns[1] != "name" {
		t.Errorf("unexpected columns %v", rec.Columns)
	}
	if rec.Row[0] != int64(1) || rec.Row[1] != "alice" {
		t.Errorf("unexpected row %v", rec.Row)
	}
}

func TestParseResultMessage(t *testing.T) {
	d := mustDialect(t, "mysql")
	events := parseCLIOutput("Query OK, 2 rows affected\n", "", d)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	line, ok := events[0].(LineEvent)
	if !ok || line.Text != "Query OK, 2 rows affected" {
		t.Errorf("unexpected first event %+v", events[0])
	}
}

func TestParseStderrFirst(t *testing.T) {
	d := mustDialect(t, "mysql")
	stderr := "ERROR 1064 (42000) at line 1: You have an error in your SQL syntax\nsome notice\n"
	events := parseCLIOutput("a\n1\n", stderr, d)

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if errEvent, ok := events[0].(ErrorEvent); !ok || !strings.HasPrefix(errEvent.Message, "ERROR 1064") {
		t.Errorf("expected error event first, got %+v", events[0])
	}
	if line, ok := events[1].(LineEvent); !ok || line.Text != "some notice" {
		t.Errorf("expected notice line second, got %+v", events[1])
	}
	if _, ok := events[2].(RecordEvent); !ok {
		t.Errorf("expected stdout records after stderr, got %+v", events[2])
	}
}

func TestParseSQLServerOutput(t *testing.T) {
	d := mustDialect(t, "sqlserver")
	stdout := "a\tb\n--\t--\n1\tx\n\n(1 rows affected)\n"
	events := parseCLIOutput(stdout, "", d)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	rec, ok := events[0].(RecordEvent)
	if !ok {
		t.Fatalf("expected record first, got %+v", events[0])
	}
	if rec.Columns[0] != "a" || rec.Row[1] != "x" {
		t.Errorf("unexpected record %+v", rec)
	}
	if line, ok := events[1].(LineEvent); !ok || line.Text != "(1 rows affected)" {
		t.Errorf("expected affected-rows line, got %+v", events[1])
	}
}

func TestParseEmptyOutput(t *testing.T) {
	d := mustDialect(t, "mysql")
	events := parseCLIOutput("", "", d)

	if len(events) != 1 {
		t.Fatalf("expected lone done event, got %d: %+v", len(events), events)
	}
	done, ok := events[0].(DoneEvent)
	if !ok {
		t.Fatalf("expected DoneEvent, got %T", events[0])
	}
	if done.AffectedRows != nil {
		t.Errorf("expected null affected_rows, got %v", *done.AffectedRows)
	}
}

func TestParseBlankLineClosesBlock(t *testing.T) {
	d := mustDialect(t, "mysql")
	events := parseCLIOutput("a\n1\n\nx\ny\n", "", d)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	first := events[0].(RecordEvent)
	if first.Columns[0] != "a" || first.Row[0] != int64(1) {
		t.Errorf("unexpected first record %+v", first)
	}
	second := events[1].(RecordEvent)
	if second.Columns[0] != "x" || second.Row[0] != "y" {
		t.Errorf("unexpected second record %+v", second)
	}
}

func TestParseLoneLineStaysLine(t *testing.T) {
	d := mustDialect(t, "mysql")
	events := parseCLIOutput("Database changed\n", "", d)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if line, ok := events[0].(LineEvent); !ok || line.Text != "Database changed" {
		t.Errorf("expected line event, got %+v", events[0])
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"", nil},
		{"null", nil},
		{"NULL", nil},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"0", int64(0)},
		{"1", int64(1)},
		{"3.14", 3.14},
		{"-0.5", -0.5},
		{"true", true},
		{"TRUE", true},
		{"false", false},
		{"FALSE", false},
		{"NaN", "NaN"},
		{"inf", "inf"},
		{"alice", "alice"},
		{"2024-01-01", "2024-01-01"},
	}

	for _, tc := range tests {
		if got := parseValue(tc.in); got != tc.want {
			t.Errorf("parseValue(%q) = %v (%T), want %v (%T)", tc.in, got, got, tc.want, tc.want)
		}
	}
}

func TestExecuteParsesEvents(t *testing.T) {
	rt := newMockRuntime()
	rt.ExecFn = func(call execCall) (*runtime.ExecResult, error) {
		return okResult("a\n1\n"), nil
	}
	executor := NewExecutor(rt, time.Minute)

	events, err := executor.Execute(context.Background(), testInstance(), "SELECT a FROM t")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	calls := rt.execsContaining("--batch")
	if len(calls) != 1 {
		t.Fatalf("expected one batch-mode exec, got %d", len(calls))
	}
	if calls[0].ContainerID != "pool-mysql-1" {
		t.Errorf("query ran in %q", calls[0].ContainerID)
	}
	if len(calls[0].Env) != 1 || calls[0].Env[0] != "MYSQL_PWD=pw" {
		t.Errorf("password not passed via env: %v", calls[0].Env)
	}
}

func TestExecuteRawUsesTableFormat(t *testing.T) {
	rt := newMockRuntime()
	rt.ExecFn = func(call execCall) (*runtime.ExecResult, error) {
		res := okResult("+---+\n| a |\n+---+\n| 1 |\n+---+\n")
		res.Stderr = "warning: something"
		return res, nil
	}
	executor := NewExecutor(rt, time.Minute)

	out, err := executor.ExecuteRaw(context.Background(), testInstance(), "SELECT a FROM t")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !strings.Contains(out.Stdout, "| a |") {
		t.Errorf("stdout not passed through: %q", out.Stdout)
	}
	if out.Stderr != "warning: something" {
		t.Errorf("stderr not passed through: %q", out.Stderr)
	}
	if len(rt.execsContaining("--table")) != 1 {
		t.Error("expected the pretty-table CLI variant")
	}
}

func TestExecuteTimeout(t *testing.T) {
	rt := newMockRuntime()
	rt.ExecFn = func(call execCall) (*runtime.ExecResult, error) {
		return nil, runtime.ErrExecTimeout
	}
	executor := NewExecutor(rt, 10*time.Millisecond)

	_, err := executor.Execute(context.Background(), testInstance(), "SELECT SLEEP(100)")
	if !apperr.IsKind(err, apperr.QueryTimeout) {
		t.Fatalf("expected QueryTimeout, got %v", err)
	}
	if want := "Query exceeded timeout limit"; err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestExecuteDockerError(t *testing.T) {
	rt := newMockRuntime()
	rt.ExecFn = func(call execCall) (*runtime.ExecResult, error) {
		return nil, errors.New("daemon unavailable")
	}
	executor := NewExecutor(rt, time.Minute)

	_, err := executor.Execute(context.Background(), testInstance(), "SELECT 1")
	if !apperr.IsKind(err, apperr.DockerError) {
		t.Fatalf("expected DockerError, got %v", err)
	}
}
