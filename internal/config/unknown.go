package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section.
var knownKeys = map[string][]string{
	"server":  {"request_timeout", "url"},
	"store":   {"path"},
	"sync":    {"apply_timeout", "base_backoff", "max_backoff", "max_retries"},
	"network": {"debounce", "probe_interval", "probe_timeout"},
	"auth":    {"refresh_timeout", "token_path"},
	"logging": {"log_format", "log_level"},
}

// knownSections is the sorted list of section names for Levenshtein
// matching. Sorted for deterministic suggestions on ties.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each one.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	reportedSections := make(map[string]bool)

	for _, key := range undecoded {
		parts := strings.SplitN(key.String(), ".", 2)
		section := parts[0]

		keys, known := knownKeys[section]

		switch {
		case !known:
			// An unknown table yields one undecoded key per entry; report it once.
			if reportedSections[section] {
				continue
			}

			reportedSections[section] = true

			errs = append(errs, unknownKeyError("section", section, "", knownSections))

		case len(parts) == 1:
			errs = append(errs, fmt.Errorf("config key %q must be a section", section))

		default:
			errs = append(errs, unknownKeyError("key", parts[1], section, keys))
		}
	}

	return errors.Join(errs...)
}

func unknownKeyError(kind, name, section string, candidates []string) error {
	label := fmt.Sprintf("unknown config %s %q", kind, name)
	if section != "" {
		label += fmt.Sprintf(" in [%s]", section)
	}

	if suggestion := closestMatch(name, candidates); suggestion != "" {
		return fmt.Errorf("%s, did you mean %q?", label, suggestion)
	}

	return errors.New(label)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings using a
// single-row table.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
