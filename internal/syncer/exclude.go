package syncer

import (
	"strings"

	"github.com/rudransh-shrivastava/peer-sync/internal/filestore"
	gitignore "github.com/sabhiram/go-gitignore"
)

// Excluder decides which paths never take part in a sync: the root markers,
// the reserved configuration directory and user ignore patterns.
type Excluder struct {
	ignore *gitignore.GitIgnore
}

func NewExcluder(reserved string, patterns ...string) *Excluder {
	var lines []string
	if reserved = strings.Trim(reserved, "/"); reserved != "" {
		lines = append(lines, "/"+reserved)
	}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, p)
		}
	}
	return &Excluder{ignore: gitignore.CompileIgnoreLines(lines...)}
}

func (e *Excluder) Excluded(p string) bool {
	if p == "." || p == "/" {
		return true
	}
	rel := filestore.Clean(p)
	if rel == "" {
		return true
	}
	if e == nil || e.ignore == nil {
		return false
	}
	return e.ignore.MatchesPath(rel)
}
