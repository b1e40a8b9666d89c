package catalog

import (
	"path"
	"regexp"
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// SelectorSubject is the view of one tool a selector is matched against.
type SelectorSubject struct {
	SourceID   string
	SourceName string
	ToolName   string
	Path       string
	Method     string
	Tags       []string
	LabelIDs   []string
}

// SubjectFor builds the selector subject for a tool owned by source.
func SubjectFor(tool models.SourceTool, source models.UpstreamSource) SelectorSubject {
	return SelectorSubject{
		SourceID:   tool.SourceID,
		SourceName: source.Name,
		ToolName:   tool.Definition.Name,
		Path:       tool.Definition.SourcePath,
		Method:     tool.Definition.Profile.Method,
		Tags:       tool.Definition.Tags,
		LabelIDs:   tool.LabelIDs,
	}
}

// MatchSelector reports whether the subject satisfies every criterion of
// the selector. Empty patterns and lists match everything.
func MatchSelector(sel models.ToolSelector, subject SelectorSubject) bool {
	if !matchPattern(sel.SourcePattern, subject.SourceName) &&
		!matchPattern(sel.SourcePattern, subject.SourceID) {
		return false
	}
	if !matchPattern(sel.NamePattern, subject.ToolName) {
		return false
	}
	if !matchPattern(sel.PathPattern, subject.Path) {
		return false
	}
	if !matchPattern(sel.MethodPattern, subject.Method) {
		return false
	}
	for _, tag := range sel.RequiredTags {
		if !containsFold(subject.Tags, tag) {
			return false
		}
	}
	for _, tag := range sel.ExcludedTags {
		if containsFold(subject.Tags, tag) {
			return false
		}
	}
	for _, id := range sel.RequiredLabelIDs {
		if !containsString(subject.LabelIDs, id) {
			return false
		}
	}
	return true
}

// matchPattern applies one pattern: glob by default, regular expression
// with a "regex:" prefix. Matching is case-insensitive; an empty pattern
// matches everything and invalid patterns fail closed.
func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	if expr, ok := strings.CutPrefix(pattern, "regex:"); ok {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(value))
	return err == nil && ok
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
