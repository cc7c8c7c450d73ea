package progress

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// TaskItem is one checkbox line from a task-spec file, in document order.
type TaskItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TaskSpec is a parsed checkbox file driving task-spec progress.
type TaskSpec struct {
	Path           string     `json:"path"`
	TotalTasks     int        `json:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks"`
	Items          []TaskItem `json:"items"`
	CachedAt       time.Time  `json:"cached_at"`
}

// checkboxPattern matches markdown checkbox lines, case-insensitive:
// "- [ ] text" and "- [x] text" (also "* [ ]").
var checkboxPattern = regexp.MustCompile(`(?mi)^\s*[-*]\s*\[([ x])\]\s*(.+)$`)

// ParseTaskSpec extracts checkbox items from markdown content.
func ParseTaskSpec(path, content string) *TaskSpec {
	spec := &TaskSpec{Path: path, CachedAt: time.Now().UTC()}
	for _, m := range checkboxPattern.FindAllStringSubmatch(content, -1) {
		done := strings.EqualFold(m[1], "x")
		spec.Items = append(spec.Items, TaskItem{Text: strings.TrimSpace(m[2]), Done: done})
		spec.TotalTasks++
		if done {
			spec.CompletedTasks++
		}
	}
	return spec
}

// LookupPolicy produces candidate file paths for a session's task spec,
// most specific first. The caller supplies it so path derivation stays out
// of the parser.
type LookupPolicy func(sessionKey string) []string

// DefaultLookup builds a policy from configured root directories and
// filenames: for each root it tries root/<session>/<filename> then
// root/<filename>.
func DefaultLookup(roots, filenames []string) LookupPolicy {
	return func(sessionKey string) []string {
		var candidates []string
		for _, root := range roots {
			for _, name := range filenames {
				candidates = append(candidates, filepath.Join(root, sessionKey, name))
			}
		}
		for _, root := range roots {
			for _, name := range filenames {
				candidates = append(candidates, filepath.Join(root, name))
			}
		}
		return candidates
	}
}

type cachedSpec struct {
	spec     *TaskSpec
	cachedAt time.Time
}

// SpecLoader looks up and caches task specs per session. Entries are
// served from cache within the TTL and re-read afterwards; the cache is
// process-local and evicted on restart.
type SpecLoader struct {
	lookup LookupPolicy
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedSpec

	// readFile is a seam for tests.
	readFile func(path string) ([]byte, error)
	now      func() time.Time
}

// NewSpecLoader creates a loader with the given lookup policy and TTL.
func NewSpecLoader(lookup LookupPolicy, ttl time.Duration) *SpecLoader {
	return &SpecLoader{
		lookup:   lookup,
		ttl:      ttl,
		cache:    make(map[string]cachedSpec),
		readFile: os.ReadFile,
		now:      time.Now,
	}
}

// Load returns the session's task spec, from cache when fresh. A nil spec
// with nil error means no spec file was found.
func (l *SpecLoader) Load(sessionKey string) (*TaskSpec, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.cache[sessionKey]; ok && l.now().Sub(entry.cachedAt) < l.ttl {
		return entry.spec, nil
	}

	spec := l.find(sessionKey)
	l.cache[sessionKey] = cachedSpec{spec: spec, cachedAt: l.now()}
	return spec, nil
}

// Cached returns the cached spec without triggering a re-read. Used for
// persistence to the audit store.
func (l *SpecLoader) Cached(sessionKey string) *TaskSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.cache[sessionKey]; ok {
		return entry.spec
	}
	return nil
}

// Invalidate drops the cache entry for a session.
func (l *SpecLoader) Invalidate(sessionKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, sessionKey)
}

func (l *SpecLoader) find(sessionKey string) *TaskSpec {
	for _, path := range l.lookup(sessionKey) {
		content, err := l.readFile(path)
		if err != nil {
			continue
		}
		return ParseTaskSpec(path, string(content))
	}
	return nil
}
