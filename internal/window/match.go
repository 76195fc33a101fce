package window

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

// MatchApp resolves a user-supplied application identifier against the
// enumerated application list. Matching is tried in order of strictness:
// a literal "PID:n" form, exact name (case-insensitive), unique prefix,
// unique substring. An ambiguous prefix or substring names the candidates
// so the caller can narrow the query.
func MatchApp(apps []capture.AppInfo, query string) (*capture.AppInfo, error) {
	if len(apps) == 0 {
		return nil, &capture.WindowNotFoundError{Criteria: fmt.Sprintf("app %q (no applications have windows)", query)}
	}

	if pid, ok := parsePIDQuery(query); ok {
		for i := range apps {
			if apps[i].PID == pid {
				return &apps[i], nil
			}
		}
		return nil, &capture.WindowNotFoundError{Criteria: fmt.Sprintf("app with PID %d", pid)}
	}

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, &capture.WindowNotFoundError{Criteria: "empty app identifier"}
	}

	for i := range apps {
		if strings.ToLower(apps[i].Name) == q {
			return &apps[i], nil
		}
	}

	if app, err := uniqueMatch(apps, query, func(name string) bool {
		return strings.HasPrefix(name, q)
	}); app != nil || err != nil {
		return app, err
	}

	if app, err := uniqueMatch(apps, query, func(name string) bool {
		return strings.Contains(name, q)
	}); app != nil || err != nil {
		return app, err
	}

	return nil, &capture.WindowNotFoundError{Criteria: fmt.Sprintf("app %q", query)}
}

// uniqueMatch applies pred to lowercased names; one hit wins, several make
// the query ambiguous, none passes to the next tier.
func uniqueMatch(apps []capture.AppInfo, query string, pred func(string) bool) (*capture.AppInfo, error) {
	var hits []*capture.AppInfo
	for i := range apps {
		if pred(strings.ToLower(apps[i].Name)) {
			hits = append(hits, &apps[i])
		}
	}
	switch len(hits) {
	case 0:
		return nil, nil
	case 1:
		return hits[0], nil
	}

	names := make([]string, len(hits))
	for i, h := range hits {
		names[i] = h.Name
	}
	sort.Strings(names)
	return nil, &capture.WindowNotFoundError{
		Criteria: fmt.Sprintf("app %q (ambiguous, matches: %s)", query, strings.Join(names, ", ")),
	}
}

func parsePIDQuery(query string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(query)), "PID:")
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
