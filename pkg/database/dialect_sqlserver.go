package database

import (
	"fmt"
	"strings"
	"time"
)

func init() {
	RegisterDialect(&SQLServer{})
}

// sqlcmd ships with the mssql image under the tools18 prefix.
const sqlcmdPath = "/opt/mssql-tools18/bin/sqlcmd"

// SQLServer drives mcr.microsoft.com/mssql/server through sqlcmd.
//
// NOTE: SQL Server only runs on x86-64 hosts. Azure SQL Edge supports
// ARM64 but ships without sqlcmd, so it cannot back this dialect.
type SQLServer struct{}

func (d *SQLServer) Name() string {
	return "sqlserver"
}

func (d *SQLServer) Aliases() []string {
	return []string{"mssql"}
}

func (d *SQLServer) Image() string {
	return "mcr.microsoft.com/mssql/server:2022-latest"
}

func (d *SQLServer) DefaultPort() int {
	return 1433
}

func (d *SQLServer) StartupTimeout() time.Duration {
	// SQL Server takes longer to start
	return 90 * time.Second
}

func (d *SQLServer) SupportsBackup() bool {
	// The image ships no logical dump tool, so idle instances are
	// destroyed rather than archived.
	return false
}

func (d *SQLServer) PoolEnv(rootPassword string) []string {
	return []string{
		"ACCEPT_EULA=Y",
		"MSSQL_SA_PASSWORD=" + rootPassword,
	}
}

func (d *SQLServer) ExecSQL(rootPassword, sql string) []string {
	// -C trusts the server certificate.
	return []string{sqlcmdPath, "-S", "localhost", "-U", "sa", "-P", rootPassword, "-Q", sql, "-C"}
}

func (d *SQLServer) CreateDatabaseSQL(dbName string) string {
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT name FROM sys.databases WHERE name = '%s') CREATE DATABASE [%s]",
		dbName, dbName,
	)
}

func (d *SQLServer) DropDatabaseSQL(dbName string) string {
	// Single-user rollback kicks out open connections so the drop
	// cannot hang on an instance that is still being queried.
	return fmt.Sprintf(
		"IF EXISTS (SELECT name FROM sys.databases WHERE name = '%s') BEGIN ALTER DATABASE [%s] SET SINGLE_USER WITH ROLLBACK IMMEDIATE; DROP DATABASE [%s]; END",
		dbName, dbName, dbName,
	)
}

func (d *SQLServer) CreateUserSQL(user, password, dbName string) string {
	// Login at the server level, then user + db_owner inside the database.
	return fmt.Sprintf(
		"IF NOT EXISTS (SELECT name FROM sys.server_principals WHERE name = '%s') CREATE LOGIN [%s] WITH PASSWORD = '%s'; USE [%s]; IF NOT EXISTS (SELECT name FROM sys.database_principals WHERE name = '%s') CREATE USER [%s] FOR LOGIN [%s]; ALTER ROLE db_owner ADD MEMBER [%s];",
		user, user, password, dbName, user, user, user, user,
	)
}

func (d *SQLServer) DropUserSQL(user string) string {
	// Dropping the database removes its users; only the login remains.
	return fmt.Sprintf(
		"IF EXISTS (SELECT name FROM sys.server_principals WHERE name = '%s') DROP LOGIN [%s]",
		user, user,
	)
}

func (d *SQLServer) CLIArgv(dbName, user, password, query string) ([]string, []string) {
	// Tab separator plus -W (strip trailing spaces) makes the output
	// machine-parsable.
	argv := []string{sqlcmdPath, "-S", "localhost", "-U", user, "-d", dbName, "-Q", query, "-s", "\t", "-W", "-C"}
	return argv, []string{"SQLCMDPASSWORD=" + password}
}

func (d *SQLServer) CLIArgvText(dbName, user, password, query string) ([]string, []string) {
	// sqlcmd's default column-aligned formatting is the pretty variant.
	argv := []string{sqlcmdPath, "-S", "localhost", "-U", user, "-d", dbName, "-Q", query, "-W", "-C"}
	return argv, []string{"SQLCMDPASSWORD=" + password}
}

func (d *SQLServer) DumpArgv(dbName, user, password string) ([]string, []string) {
	// Never called: SupportsBackup is false.
	return nil, nil
}

func (d *SQLServer) RestoreArgv(dbName, user, password string) ([]string, []string) {
	return nil, nil
}

func (d *SQLServer) IsErrorLine(line string) bool {
	return strings.HasPrefix(line, "Msg ") ||
		strings.Contains(line, "Error:") ||
		strings.HasPrefix(line, "Sqlcmd: Error:")
}
