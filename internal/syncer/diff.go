package syncer

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rudransh-shrivastava/peer-sync/internal/filestore"
	"github.com/rudransh-shrivastava/peer-sync/internal/protocol"
)

// Plan lists the operations that make the peer's tree match the local one.
// Deletes are ordered children first, creates parents first.
type Plan struct {
	Creates []protocol.TreeEntry
	Updates []protocol.TreeEntry
	Deletes []protocol.TreeEntry
}

func (p Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0
}

type DiffOptions struct {
	Excluder       *Excluder
	MtimeThreshold time.Duration
}

// Diff compares the local listing with the peer's. A path present on both
// sides is updated only when the sizes differ and the local copy is newer by
// more than MtimeThreshold. A path that is a file on one side and a directory
// on the other is deleted and recreated.
func Diff(local, remote []protocol.TreeEntry, opts DiffOptions) Plan {
	localByPath := index(local, opts.Excluder)
	remoteByPath := index(remote, opts.Excluder)
	threshold := int64(opts.MtimeThreshold / time.Second)

	var plan Plan
	for p, l := range localByPath {
		r, ok := remoteByPath[p]
		switch {
		case !ok:
			plan.Creates = append(plan.Creates, l)
		case l.IsDir() != r.IsDir():
			plan.Deletes = append(plan.Deletes, r)
			plan.Creates = append(plan.Creates, l)
		case l.IsDir():
		case l.SizeBytes() != r.SizeBytes() && l.ModTime()-r.ModTime() > threshold:
			plan.Updates = append(plan.Updates, l)
		}
	}
	for p, r := range remoteByPath {
		if _, ok := localByPath[p]; !ok {
			plan.Deletes = append(plan.Deletes, r)
		}
	}

	sort.Slice(plan.Creates, func(i, j int) bool { return plan.Creates[i].Path < plan.Creates[j].Path })
	sort.Slice(plan.Updates, func(i, j int) bool { return plan.Updates[i].Path < plan.Updates[j].Path })
	sort.Slice(plan.Deletes, func(i, j int) bool { return plan.Deletes[i].Path > plan.Deletes[j].Path })
	return plan
}

func index(entries []protocol.TreeEntry, ex *Excluder) map[string]protocol.TreeEntry {
	out := make(map[string]protocol.TreeEntry, len(entries))
	for _, e := range entries {
		if ex.Excluded(e.Path) {
			continue
		}
		e.Path = filestore.Clean(e.Path)
		out[e.Path] = e
	}
	return out
}

var textExtensions = map[string]struct{}{
	".md":       {},
	".markdown": {},
	".txt":      {},
	".canvas":   {},
	".json":     {},
	".csv":      {},
	".yaml":     {},
	".yml":      {},
	".html":     {},
	".css":      {},
	".js":       {},
	".svg":      {},
	".xml":      {},
}

// KindOf picks the transfer encoding for a file by its extension.
func KindOf(p string) protocol.ContentKind {
	if _, ok := textExtensions[strings.ToLower(path.Ext(p))]; ok {
		return protocol.KindText
	}
	return protocol.KindBinary
}

func kindOfEntry(e protocol.TreeEntry) protocol.ContentKind {
	if e.IsDir() {
		return protocol.KindDirectory
	}
	return KindOf(e.Path)
}
