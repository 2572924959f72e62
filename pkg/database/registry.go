package database

import (
	"sort"
	"strings"
	"sync"

	"github.com/sirrobot01/dbctl/pkg/apperr"
)

var (
	dialectsMu sync.RWMutex
	dialects   = make(map[string]Dialect)
)

// RegisterDialect registers a dialect under its canonical name and all of
// its aliases. Names are matched case-insensitively.
func RegisterDialect(d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[strings.ToLower(d.Name())] = d
	for _, alias := range d.Aliases() {
		dialects[strings.ToLower(alias)] = d
	}
}

// GetDialect returns a registered dialect by name or alias.
func GetDialect(name string) (Dialect, error) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()

	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return nil, apperr.Newf(apperr.DialectUnsupported, "Unsupported dialect: %s", name)
	}
	return d, nil
}

// ListDialects returns the canonical names of all registered dialects.
func ListDialects() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()

	seen := make(map[string]bool, len(dialects))
	names := make([]string, 0, len(dialects))
	for _, d := range dialects {
		if seen[d.Name()] {
			continue
		}
		seen[d.Name()] = true
		names = append(names, d.Name())
	}
	sort.Strings(names)
	return names
}
