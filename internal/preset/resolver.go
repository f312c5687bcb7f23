// Package preset implements the Preset & Condition Resolver of spec.md
// §4.5: merging defaults/preset/per-item configuration and evaluating
// match-filter conditions against extractor metadata to inject extra cli
// arguments. Grounded on the "filter candidates, act on match" shape of the
// teacher's internal/queue/scheduler.go per-host admission loop, applied
// here to arbitrary boolean conditions instead of a fixed host-count check.
package preset

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/shlex"

	"dlqueued/internal/storage"
)

// Defaults holds the process-wide fallback values from the Config Store.
type Defaults struct {
	Folder   string
	Template string
	CLI      string
}

// Overrides holds the fields a caller supplied directly on an add request;
// a nil pointer field means "not provided, fall through".
type Overrides struct {
	Preset   *string
	Folder   *string
	Template *string
	CLI      *string
	Cookies  *string
}

// Effective is the fully merged, ready-to-use per-item configuration.
type Effective struct {
	Preset   string
	Folder   string
	Template string
	CLI      string
	Cookies  string
}

// Resolve merges, lowest to highest priority: process defaults, the named
// preset p (nil means "no preset"), then per-item
// overrides. Unset fields fall through; cli is concatenated in precedence
// order so later stages win on conflicting flags.
func Resolve(defaults Defaults, p *storage.Preset, ov Overrides) Effective {
	eff := Effective{
		Folder:   defaults.Folder,
		Template: defaults.Template,
		CLI:      defaults.CLI,
	}

	if p != nil {
		eff.Preset = p.Name
		if p.Folder != "" {
			eff.Folder = p.Folder
		}
		if p.Template != "" {
			eff.Template = p.Template
		}
		eff.CLI = joinCLI(eff.CLI, p.CLI)
		eff.Cookies = p.Cookies
	}

	if ov.Preset != nil {
		eff.Preset = *ov.Preset
	}
	if ov.Folder != nil {
		eff.Folder = *ov.Folder
	}
	if ov.Template != nil {
		eff.Template = *ov.Template
	}
	if ov.CLI != nil {
		eff.CLI = joinCLI(eff.CLI, *ov.CLI)
	}
	if ov.Cookies != nil {
		eff.Cookies = *ov.Cookies
	}

	return eff
}

// ApplyConditions evaluates every enabled condition, in ascending priority,
// against info and appends the cli of every match to eff.CLI. Conditions
// are consulted after extractor metadata is available and after preset
// merging, per spec.md §4.5.
func ApplyConditions(eff Effective, conditions []storage.Condition, info map[string]any) (Effective, []string) {
	var matched []string
	sorted := append([]storage.Condition(nil), conditions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for _, c := range sorted {
		if !c.Enabled {
			continue
		}
		f, err := ParseFilter(c.Filter)
		if err != nil {
			continue // a malformed stored filter never matches; resolver stays lenient
		}
		if f.Match(info) {
			eff.CLI = joinCLI(eff.CLI, c.CLI)
			matched = append(matched, c.Name)
		}
	}
	return eff, matched
}

// joinCLI concatenates cli argument strings with a single space, skipping
// empty segments, preserving precedence order (later segments win on
// conflicting flags when the downloader tool applies "last wins").
func joinCLI(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, " ")
}

// ValidateFolder rejects a folder value that would escape downloadRoot once
// joined, per spec.md §3's "folder normalised so that join(download_root,
// folder) is strictly under download_root" invariant and §8's boundary case
// for folder=".." / folder="/abs". An empty folder is always valid (it
// resolves to downloadRoot itself).
func ValidateFolder(downloadRoot, folder string) error {
	if folder == "" {
		return nil
	}
	if filepath.IsAbs(folder) {
		return fmt.Errorf("folder %q must be relative", folder)
	}
	joined := filepath.Join(downloadRoot, folder)
	root := filepath.Clean(downloadRoot)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return fmt.Errorf("folder %q escapes download_path", folder)
	}
	return nil
}

// Tokens splits a cli argument string into a stable, shell-lexed token
// list, used both to actually invoke the downloader tool and to build the
// Info Extractor Cache's canonical key.
func Tokens(cli string) ([]string, error) {
	if strings.TrimSpace(cli) == "" {
		return nil, nil
	}
	return shlex.Split(cli)
}
