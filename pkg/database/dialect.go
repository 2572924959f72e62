package database

import (
	"time"
)

// Dialect defines the per-engine strategy for running SQL databases inside
// a shared pool container. Every method is a pure function building argv,
// env or DDL strings; the manager and executor do the actual daemon calls.
//
// Passwords for per-instance CLI commands travel in environment variables
// (MYSQL_PWD, SQLCMDPASSWORD), never in argv, so they stay out of the
// process table and - for mysql - the -p warning stays out of stderr.
type Dialect interface {
	Name() string
	// Aliases are alternative lookup names (e.g. "mariadb" for mysql).
	Aliases() []string
	Image() string
	// DefaultPort is the port the engine listens on inside the container.
	DefaultPort() int
	// StartupTimeout bounds the readiness poll after the pool starts.
	StartupTimeout() time.Duration
	// SupportsBackup reports whether the image ships a logical dump tool.
	// When false, archiving an idle instance degrades to destroying it.
	SupportsBackup() bool

	// PoolEnv returns the container environment for the shared pool.
	PoolEnv(rootPassword string) []string
	// ExecSQL returns argv that runs a statement as the root principal.
	ExecSQL(rootPassword, sql string) []string

	// DDL builders. Drop statements are idempotent; create-user grants
	// full rights on the one database and nothing else.
	CreateDatabaseSQL(dbName string) string
	DropDatabaseSQL(dbName string) string
	CreateUserSQL(user, password, dbName string) string
	DropUserSQL(user string) string

	// CLIArgv builds the machine-parsable (tab-separated) query command;
	// CLIArgvText the pretty ASCII-table variant for format=text.
	CLIArgv(dbName, user, password, query string) (argv, env []string)
	CLIArgvText(dbName, user, password, query string) (argv, env []string)

	// DumpArgv writes a logical dump to stdout; RestoreArgv replays one
	// from stdin. Only meaningful when SupportsBackup is true.
	DumpArgv(dbName, user, password string) (argv, env []string)
	RestoreArgv(dbName, user, password string) (argv, env []string)

	// IsErrorLine classifies a CLI output line as an engine error.
	IsErrorLine(line string) bool
}
