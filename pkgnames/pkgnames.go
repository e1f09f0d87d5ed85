// Package pkgnames derives a project name and version from Python package
// distribution filenames (sdists, wheels, eggs) and normalizes project
// names per PEP 503.
package pkgnames

import (
	"path"
	"regexp"
	"strings"
)

var (
	wheelRx = regexp.MustCompile(`^(.+?)-(\d[^-]*?)(-\d+)?-(.+?)-(.+?)-(.+?)\.whl$`)

	// First hyphen followed by something that looks like a version number.
	verSplitRx = regexp.MustCompile(`-[vV]?\d+[.a-zA-Z]`)

	normalizeRx = regexp.MustCompile(`[-_.]+`)
)

// archiveSuffixes are the sdist/egg suffixes stripped before splitting a
// filename into name and version.
var archiveSuffixes = []string{
	".tar.gz",
	".tar.bz2",
	".tar.xz",
	".tgz",
	".zip",
	".egg",
}

// Parse guesses the project name and version encoded in a distribution
// filename. Leading directories and a trailing ".asc" signature suffix are
// ignored. It reports ok=false when the filename is not a recognized
// distribution format; a missing version is not an error (name-only sdists
// parse with an empty version).
func Parse(filename string) (name, version string, ok bool) {
	base := path.Base(strings.TrimSpace(filename))
	base = strings.TrimSuffix(base, ".asc")
	if base == "" || base == "." || base == "/" {
		return "", "", false
	}

	if strings.HasSuffix(base, ".whl") {
		m := wheelRx.FindStringSubmatch(base)
		if m == nil {
			return "", "", false
		}
		return m[1], m[2], true
	}

	stem, found := trimArchiveSuffix(base)
	if !found {
		return "", "", false
	}

	name, version = splitNameVersion(stem)
	return name, version, true
}

func trimArchiveSuffix(base string) (string, bool) {
	lower := strings.ToLower(base)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return base[:len(base)-len(suffix)], true
		}
	}
	return base, false
}

// splitNameVersion splits an archive stem like "foo-bar-1.0.0" into
// ("foo-bar", "1.0.0"). Hyphenated project names make this ambiguous, so
// the split point is the first hyphen followed by a version-looking token.
func splitNameVersion(stem string) (string, string) {
	switch strings.Count(stem, "-") {
	case 0:
		return stem, ""
	case 1:
		i := strings.Index(stem, "-")
		return stem[:i], stem[i+1:]
	}

	if !strings.Contains(stem, ".") {
		i := strings.LastIndex(stem, "-")
		return stem[:i], stem[i+1:]
	}

	loc := verSplitRx.FindStringIndex(stem)
	if loc == nil {
		i := strings.LastIndex(stem, "-")
		return stem[:i], stem[i+1:]
	}
	return stem[:loc[0]], stem[loc[0]+1:]
}

// Normalize applies PEP 503 project name normalization: runs of hyphens,
// underscores and dots collapse to a single hyphen, lowercased.
func Normalize(name string) string {
	return strings.ToLower(normalizeRx.ReplaceAllString(name, "-"))
}
