package database

import (
	"fmt"
	"strings"
	"time"
)

func init() {
	RegisterDialect(&MySQL{})
}

// MySQL drives the mysql:8 pool through the bundled mysql/mysqldump
// binaries. MariaDB clients speak the same protocol, so "mariadb" is an
// alias.
type MySQL struct{}

func (d *MySQL) Name() string {
	return "mysql"
}

func (d *MySQL) Aliases() []string {
	return []string{"mariadb"}
}

func (d *MySQL) Image() string {
	return "mysql:8"
}

func (d *MySQL) DefaultPort() int {
	return 3306
}

func (d *MySQL) StartupTimeout() time.Duration {
	return 60 * time.Second
}

func (d *MySQL) SupportsBackup() bool {
	return true
}

func (d *MySQL) PoolEnv(rootPassword string) []string {
	return []string{"MYSQL_ROOT_PASSWORD=" + rootPassword}
}

func (d *MySQL) ExecSQL(rootPassword, sql string) []string {
	return []string{"mysql", "-u", "root", "-p" + rootPassword, "-e", sql}
}

func (d *MySQL) CreateDatabaseSQL(dbName string) string {
	return fmt.Sprintf("CREATE DATABASE `%s`", dbName)
}

func (d *MySQL) DropDatabaseSQL(dbName string) string {
	return fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", dbName)
}

func (d *MySQL) CreateUserSQL(user, password, dbName string) string {
	return fmt.Sprintf(
		"CREATE USER '%s'@'%%' IDENTIFIED BY '%s'; GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'; FLUSH PRIVILEGES;",
		user, password, dbName, user,
	)
}

func (d *MySQL) DropUserSQL(user string) string {
	return fmt.Sprintf("DROP USER IF EXISTS '%s'@'%%'", user)
}

func (d *MySQL) CLIArgv(dbName, user, password, query string) ([]string, []string) {
	// Batch mode gives tab-separated output with a header line.
	argv := []string{"mysql", "-u", user, dbName, "-e", query, "--batch", "--raw"}
	return argv, []string{"MYSQL_PWD=" + password}
}

func (d *MySQL) CLIArgvText(dbName, user, password, query string) ([]string, []string) {
	argv := []string{"mysql", "-u", user, dbName, "-e", query, "--table"}
	return argv, []string{"MYSQL_PWD=" + password}
}

func (d *MySQL) DumpArgv(dbName, user, password string) ([]string, []string) {
	// --single-transaction dumps consistently without locking.
	argv := []string{"mysqldump", "-u", user, "--single-transaction", "--routines", "--triggers", dbName}
	return argv, []string{"MYSQL_PWD=" + password}
}

func (d *MySQL) RestoreArgv(dbName, user, password string) ([]string, []string) {
	// Reads SQL from stdin.
	argv := []string{"mysql", "-u", user, dbName}
	return argv, []string{"MYSQL_PWD=" + password}
}

func (d *MySQL) IsErrorLine(line string) bool {
	return strings.HasPrefix(line, "ERROR") || strings.Contains(line, "error:")
}
