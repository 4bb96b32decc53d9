package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hochfrequenz/autobuild-orchestrator/internal/agent"
)

// Limits on the minimal context handed to a builder. The whole workspace
// is never shipped; files are ranked and cut off here.
const (
	maxContextFiles = 12
	maxContextBytes = 256 * 1024
	maxFileBytes    = 64 * 1024
)

// typePriority ranks file extensions by how useful they usually are as
// builder context. Source beats config beats docs.
var typePriority = map[string]int{
	".go":   5,
	".ts":   5,
	".py":   5,
	".rs":   5,
	".sql":  4,
	".yaml": 3,
	".yml":  3,
	".toml": 3,
	".json": 2,
	".md":   1,
}

// skipDirs are never descended into during context assembly
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, ".idea": true, ".vscode": true,
}

type rankedFile struct {
	path  string
	size  int64
	score float64
}

// AssembleContext picks the workspace files most relevant to a phase,
// ranked by category keyword relevance, mtime recency, and file-type
// priority, capped by count and total bytes.
func AssembleContext(workspace, category, description string) ([]agent.ContextFile, error) {
	keywords := contextKeywords(category, description)
	now := time.Now()

	var ranked []rankedFile
	err := filepath.Walk(workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are just skipped
		}
		if info.IsDir() {
			if skipDirs[info.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Size() == 0 || info.Size() > maxFileBytes {
			return nil
		}

		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return nil
		}

		ranked = append(ranked, rankedFile{
			path:  rel,
			size:  info.Size(),
			score: rankFile(rel, info.ModTime(), now, keywords),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].path < ranked[j].path
	})

	var out []agent.ContextFile
	var total int64
	for _, rf := range ranked {
		if len(out) >= maxContextFiles || total+rf.size > maxContextBytes {
			break
		}
		content, err := os.ReadFile(filepath.Join(workspace, rf.path))
		if err != nil {
			continue
		}
		out = append(out, agent.ContextFile{Path: rf.path, Content: string(content)})
		total += rf.size
	}
	return out, nil
}

// rankFile scores one file. Keyword hits dominate, recency breaks ties
// between equally relevant files, type priority nudges source ahead of
// prose.
func rankFile(rel string, mtime, now time.Time, keywords []string) float64 {
	score := 0.0

	lower := strings.ToLower(rel)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			score += 10
		}
	}

	age := now.Sub(mtime)
	switch {
	case age < 24*time.Hour:
		score += 5
	case age < 7*24*time.Hour:
		score += 3
	case age < 30*24*time.Hour:
		score += 1
	}

	score += float64(typePriority[filepath.Ext(rel)])
	return score
}

// contextKeywords derives lookup terms from the category name and the
// free-text description
func contextKeywords(category, description string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(word string) {
		word = strings.ToLower(strings.Trim(word, ".,:;()\"'"))
		if len(word) < 4 || seen[word] {
			return
		}
		seen[word] = true
		out = append(out, word)
	}

	for _, part := range strings.Split(category, "_") {
		add(part)
	}
	for _, word := range strings.Fields(description) {
		add(word)
	}
	return out
}
