package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// TransformKind names a text transformation applied before forwarding.
type TransformKind string

const (
	// TransformReplace replaces every match of Pattern with Replacement.
	TransformReplace TransformKind = "replace"
	// TransformRemoveLines drops every line matching Pattern.
	TransformRemoveLines TransformKind = "remove_lines"
	// TransformFormat renders Replacement with {text} substituted.
	TransformFormat TransformKind = "format"
)

// Transform is one step of a rule's text pipeline.
type Transform struct {
	Kind        TransformKind `json:"kind"`
	Pattern     string        `json:"pattern,omitempty"`
	Replacement string        `json:"replacement,omitempty"`
}

// Filters restrict and rewrite the text forwarded by a rule.
type Filters struct {
	Whitelist  []string    `json:"whitelist,omitempty"`
	Blacklist  []string    `json:"blacklist,omitempty"`
	Transforms []Transform `json:"transforms,omitempty"`
}

// IsZero reports whether no filter or transform is configured.
func (f Filters) IsZero() bool {
	return len(f.Whitelist) == 0 && len(f.Blacklist) == 0 && len(f.Transforms) == 0
}

// Validate compiles every pattern and reports the first problem as InvalidInput.
func (f Filters) Validate() error {
	_, err := f.Compile()
	return err
}

// Pipeline is the compiled form of Filters.
type Pipeline struct {
	whitelist  []*regexp.Regexp
	blacklist  []*regexp.Regexp
	transforms []compiledTransform
}

type compiledTransform struct {
	kind        TransformKind
	re          *regexp.Regexp
	replacement string
}

// Compile turns Filters into a Pipeline.
func (f Filters) Compile() (*Pipeline, error) {
	const op = "compile filters"

	p := &Pipeline{}
	for _, pattern := range f.Whitelist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, Errorf(KindInvalidInput, op, "whitelist pattern %q: %v", pattern, err)
		}
		p.whitelist = append(p.whitelist, re)
	}
	for _, pattern := range f.Blacklist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, Errorf(KindInvalidInput, op, "blacklist pattern %q: %v", pattern, err)
		}
		p.blacklist = append(p.blacklist, re)
	}

	for i, t := range f.Transforms {
		ct := compiledTransform{kind: t.Kind, replacement: t.Replacement}
		switch t.Kind {
		case TransformReplace, TransformRemoveLines:
			if t.Pattern == "" {
				return nil, Errorf(KindInvalidInput, op, "transform %d (%s) needs a pattern", i, t.Kind)
			}
			re, err := regexp.Compile(t.Pattern)
			if err != nil {
				return nil, Errorf(KindInvalidInput, op, "transform %d pattern %q: %v", i, t.Pattern, err)
			}
			ct.re = re
		case TransformFormat:
			if !strings.Contains(t.Replacement, "{text}") {
				return nil, Errorf(KindInvalidInput, op, "transform %d (format) must contain {text}", i)
			}
		default:
			return nil, Errorf(KindInvalidInput, op, "unknown transform kind %q", t.Kind)
		}
		p.transforms = append(p.transforms, ct)
	}

	return p, nil
}

// Apply runs the pipeline over text. It returns false when the text must not
// be forwarded, including when the transforms leave only whitespace.
func (p *Pipeline) Apply(text string) (string, bool) {
	if p == nil {
		return text, true
	}

	if len(p.whitelist) > 0 && !matchAny(p.whitelist, text) {
		return "", false
	}
	if matchAny(p.blacklist, text) {
		return "", false
	}

	for _, t := range p.transforms {
		switch t.kind {
		case TransformReplace:
			text = t.re.ReplaceAllString(text, t.replacement)
		case TransformRemoveLines:
			text = removeLines(t.re, text)
		case TransformFormat:
			text = strings.ReplaceAll(t.replacement, "{text}", text)
		}
	}

	return text, strings.TrimSpace(text) != ""
}

func matchAny(res []*regexp.Regexp, text string) bool {
	for _, re := range res {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func removeLines(re *regexp.Regexp, text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !re.MatchString(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// String renders filters compactly for command replies.
func (f Filters) String() string {
	if f.IsZero() {
		return "none"
	}
	return fmt.Sprintf("whitelist=%d blacklist=%d transforms=%d", len(f.Whitelist), len(f.Blacklist), len(f.Transforms))
}
