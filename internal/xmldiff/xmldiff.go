// Package xmldiff prepares data for the XML diff viewer: the branch/main
// component XML handed over by the host and line-level change statistics.
package xmldiff

import (
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"flowext/api/internal/objectdata"
)

type ComponentAction string

const (
	ActionCreate ComponentAction = "CREATE"
	ActionUpdate ComponentAction = "UPDATE"
)

type Data struct {
	BranchXML     string          `json:"branchXml"`
	MainXML       string          `json:"mainXml"`
	ComponentName string          `json:"componentName"`
	Action        ComponentAction `json:"componentAction"`
	BranchVersion int             `json:"branchVersion"`
	MainVersion   int             `json:"mainVersion"`
}

// Extract reads diff data from the first entry. It reports false when the
// entries are empty or branchXml, componentName or componentAction is missing.
func Extract(entries []objectdata.Entry) (Data, bool) {
	if len(entries) == 0 {
		return Data{}, false
	}
	entry := entries[0]
	data := Data{
		BranchXML:     objectdata.Value(entry, "branchXml"),
		MainXML:       objectdata.Value(entry, "mainXml"),
		ComponentName: objectdata.Value(entry, "componentName"),
		Action:        ComponentAction(objectdata.Value(entry, "componentAction")),
		BranchVersion: atoi(objectdata.Value(entry, "branchVersion")),
		MainVersion:   atoi(objectdata.Value(entry, "mainVersion")),
	}
	if data.BranchXML == "" || data.ComponentName == "" || data.Action == "" {
		return Data{}, false
	}
	return data, true
}

type Stats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Unchanged int `json:"unchanged"`
}

// ComputeStats counts added, deleted and unchanged lines between two texts.
// Unchanged is the length of the longest common line subsequence.
func ComputeStats(oldText, newText string) Stats {
	switch {
	case oldText == "" && newText == "":
		return Stats{}
	case oldText == "":
		return Stats{Additions: len(splitLines(newText))}
	case newText == "":
		return Stats{Deletions: len(splitLines(oldText))}
	}

	var stats Stats
	for _, line := range Lines(oldText, newText) {
		switch line.Kind {
		case KindInsert:
			stats.Additions++
		case KindDelete:
			stats.Deletions++
		default:
			stats.Unchanged++
		}
	}
	return stats
}

type LineKind string

const (
	KindEqual  LineKind = "equal"
	KindInsert LineKind = "insert"
	KindDelete LineKind = "delete"
)

// Line is one row of a unified diff. OldNumber and NewNumber are 1-based and
// zero when the line does not exist on that side.
type Line struct {
	Kind      LineKind `json:"kind"`
	Text      string   `json:"text"`
	OldNumber int      `json:"oldNumber,omitempty"`
	NewNumber int      `json:"newNumber,omitempty"`
}

// Lines returns a minimal line diff of the two texts.
func Lines(oldText, newText string) []Line {
	oldLines, newLines := splitLines(oldText), splitLines(newText)
	table := newLineTable()
	oldRunes, newRunes := table.encode(oldLines), table.encode(newLines)

	dmp := diffmatchpatch.New()
	// A zero timeout disables the time-bounded shortcuts so the diff is minimal.
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(oldRunes, newRunes, false)

	out := make([]Line, 0, len(oldLines)+len(newLines))
	oldNo, newNo := 0, 0
	for _, diff := range diffs {
		for _, r := range diff.Text {
			text := table.lines[table.index(r)]
			switch diff.Type {
			case diffmatchpatch.DiffEqual:
				oldNo++
				newNo++
				out = append(out, Line{Kind: KindEqual, Text: text, OldNumber: oldNo, NewNumber: newNo})
			case diffmatchpatch.DiffDelete:
				oldNo++
				out = append(out, Line{Kind: KindDelete, Text: text, OldNumber: oldNo})
			case diffmatchpatch.DiffInsert:
				newNo++
				out = append(out, Line{Kind: KindInsert, Text: text, NewNumber: newNo})
			}
		}
	}
	return out
}

func splitLines(text string) []string {
	return strings.Split(text, "\n")
}

const (
	runeBase       = 0x100
	surrogateStart = 0xD800
	surrogateSize  = 0x800
)

// lineTable maps each distinct line to a rune so lines diff as characters.
// Surrogate code points are skipped because they do not survive string
// conversion inside the diff library.
type lineTable struct {
	lines []string
	ids   map[string]int
}

func newLineTable() *lineTable {
	return &lineTable{ids: make(map[string]int)}
}

func (t *lineTable) encode(lines []string) []rune {
	out := make([]rune, 0, len(lines))
	for _, line := range lines {
		id, ok := t.ids[line]
		if !ok {
			id = len(t.lines)
			t.lines = append(t.lines, line)
			t.ids[line] = id
		}
		r := rune(id + runeBase)
		if r >= surrogateStart {
			r += surrogateSize
		}
		out = append(out, r)
	}
	return out
}

func (t *lineTable) index(r rune) int {
	if r >= surrogateStart+surrogateSize {
		r -= surrogateSize
	}
	return int(r) - runeBase
}

func atoi(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return n
}
