package telegram

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/lewisedginton/telefeed/internal/domain"
)

// patternList selects the whitelist or the blacklist of a rule's filters.
type patternList string

const (
	whitelist patternList = "whitelist"
	blacklist patternList = "blacklist"
)

func (l patternList) of(f *domain.Filters) *[]string {
	if l == whitelist {
		return &f.Whitelist
	}
	return &f.Blacklist
}

func (r *Router) handleWhitelist(ctx context.Context, req Request) (string, error) {
	return r.handlePatterns(ctx, req, whitelist)
}

func (r *Router) handleBlacklist(ctx context.Context, req Request) (string, error) {
	return r.handlePatterns(ctx, req, blacklist)
}

// handlePatterns accepts:
//
//	/whitelist add RULE on NUMBER PATTERN
//	/whitelist remove RULE on NUMBER PATTERN
//	/whitelist change RULE on NUMBER PATTERN
//	/whitelist clear [RULE] on NUMBER
//
// PATTERN is the rest of the message and may contain spaces.
func (r *Router) handlePatterns(ctx context.Context, req Request, list patternList) (string, error) {
	op := "update " + string(list)
	usage := patternsUsage(list)
	args := req.Args

	switch {
	case len(args) == 0:
		return usage, nil
	case args[0] == "clear" && len(args) == 3 && args[1] == "on":
		return r.updateFilters(ctx, req.Owner, "", args[2], func(f *domain.Filters) error {
			*list.of(f) = nil
			return nil
		})
	case args[0] == "clear" && len(args) == 4 && args[2] == "on":
		return r.updateFilters(ctx, req.Owner, args[1], args[3], func(f *domain.Filters) error {
			*list.of(f) = nil
			return nil
		})
	case len(args) < 4 || args[2] != "on":
		return "Incorrect format.\n\n" + usage, nil
	}

	action, rule, phone := args[0], args[1], args[3]
	pattern := restAfter(req.Text, 5)
	if pattern == "" {
		return "Incorrect format.\n\n" + usage, nil
	}

	var mutate func(f *domain.Filters) error
	switch action {
	case "add":
		mutate = func(f *domain.Filters) error {
			if patterns := list.of(f); !slices.Contains(*patterns, pattern) {
				*patterns = append(*patterns, pattern)
			}
			return nil
		}
	case "remove":
		mutate = func(f *domain.Filters) error {
			patterns := list.of(f)
			i := slices.Index(*patterns, pattern)
			if i < 0 {
				return domain.Errorf(domain.KindInvalidInput, op, "%q is not in the %s of %s", pattern, list, rule)
			}
			*patterns = slices.Delete(*patterns, i, i+1)
			return nil
		}
	case "change":
		mutate = func(f *domain.Filters) error {
			*list.of(f) = []string{pattern}
			return nil
		}
	default:
		return "Incorrect format.\n\n" + usage, nil
	}

	return r.updateFilters(ctx, req.Owner, rule, phone, mutate)
}

// handleTransformation accepts:
//
//	/transformation add replace RULE on NUMBER PATTERN => REPLACEMENT
//	/transformation add removeLines RULE on NUMBER PATTERN
//	/transformation add format RULE on NUMBER TEMPLATE
//	/transformation remove KIND RULE on NUMBER
//	/transformation clear [RULE] on NUMBER
func (r *Router) handleTransformation(ctx context.Context, req Request) (string, error) {
	const op = "update transformations"
	args := req.Args

	clearAll := func(f *domain.Filters) error {
		f.Transforms = nil
		return nil
	}

	switch {
	case len(args) == 0:
		return transformationUsage, nil
	case args[0] == "clear" && len(args) == 3 && args[1] == "on":
		return r.updateFilters(ctx, req.Owner, "", args[2], clearAll)
	case args[0] == "clear" && len(args) == 4 && args[2] == "on":
		return r.updateFilters(ctx, req.Owner, args[1], args[3], clearAll)
	case len(args) < 5 || args[3] != "on":
		return "Incorrect format.\n\n" + transformationUsage, nil
	}

	action, rule, phone := args[0], args[2], args[4]
	kind, err := parseTransformKind(op, args[1])
	if err != nil {
		return "", err
	}

	switch {
	case action == "remove" && len(args) == 5:
		return r.updateFilters(ctx, req.Owner, rule, phone, func(f *domain.Filters) error {
			kept := slices.DeleteFunc(slices.Clone(f.Transforms), func(t domain.Transform) bool {
				return t.Kind == kind
			})
			if len(kept) == len(f.Transforms) {
				return domain.Errorf(domain.KindInvalidInput, op, "%s has no %s transformation", rule, kind)
			}
			f.Transforms = kept
			return nil
		})
	case action == "add":
		t, err := parseTransform(op, kind, restAfter(req.Text, 6))
		if err != nil {
			return "", err
		}
		return r.updateFilters(ctx, req.Owner, rule, phone, func(f *domain.Filters) error {
			f.Transforms = append(f.Transforms, t)
			return nil
		})
	}
	return "Incorrect format.\n\n" + transformationUsage, nil
}

// updateFilters applies mutate to the filters of the owner's active rule name
// on phone, or to every active rule on phone when name is empty.
func (r *Router) updateFilters(ctx context.Context, owner int64, name, phone string, mutate func(*domain.Filters) error) (string, error) {
	normalized, err := domain.NormalizePhone(phone)
	if err != nil {
		return "", err
	}
	rules, err := r.config.Rules.ListRules(ctx, owner, normalized)
	if err != nil {
		return "", err
	}

	var targets []domain.Rule
	for _, rule := range rules {
		if name == "" || rule.Name == name {
			targets = append(targets, rule)
		}
	}
	if len(targets) == 0 {
		if name != "" {
			return "", domain.Errorf(domain.KindRuleNotFound, "update filters", "no active rule %q on %s", name, normalized)
		}
		return fmt.Sprintf("No active redirection on +%s.", normalized), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Filters updated on +%s:\n", normalized)
	for _, target := range targets {
		filters := cloneFilters(target.Filters)
		if err := mutate(&filters); err != nil {
			return "", err
		}
		updated, err := r.config.Rules.SetFilters(ctx, owner, target.Name, filters)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "• %s: %s\n", updated.Name, updated.Filters)
	}
	return truncate(b.String()), nil
}

func parseTransformKind(op, s string) (domain.TransformKind, error) {
	switch strings.ToLower(s) {
	case "replace":
		return domain.TransformReplace, nil
	case "removelines", "remove_lines":
		return domain.TransformRemoveLines, nil
	case "format":
		return domain.TransformFormat, nil
	}
	return "", domain.Errorf(domain.KindInvalidInput, op, "unknown transformation %q, use replace, removeLines or format", s)
}

func parseTransform(op string, kind domain.TransformKind, arg string) (domain.Transform, error) {
	if arg == "" {
		return domain.Transform{}, domain.Errorf(domain.KindInvalidInput, op, "%s needs an argument", kind)
	}

	t := domain.Transform{Kind: kind}
	switch kind {
	case domain.TransformReplace:
		pattern, replacement, ok := strings.Cut(arg, "=>")
		pattern = strings.TrimSpace(pattern)
		if !ok || pattern == "" {
			return domain.Transform{}, domain.Errorf(domain.KindInvalidInput, op, "replace expects PATTERN => REPLACEMENT")
		}
		t.Pattern, t.Replacement = pattern, strings.TrimSpace(replacement)
	case domain.TransformRemoveLines:
		t.Pattern = arg
	case domain.TransformFormat:
		t.Replacement = arg
	}
	return t, nil
}

func cloneFilters(f domain.Filters) domain.Filters {
	return domain.Filters{
		Whitelist:  slices.Clone(f.Whitelist),
		Blacklist:  slices.Clone(f.Blacklist),
		Transforms: slices.Clone(f.Transforms),
	}
}

// restAfter returns text with its first n whitespace-separated words removed.
func restAfter(text string, n int) string {
	rest := strings.TrimSpace(text)
	for i := 0; i < n && rest != ""; i++ {
		cut := strings.IndexFunc(rest, unicode.IsSpace)
		if cut < 0 {
			return ""
		}
		rest = strings.TrimSpace(rest[cut:])
	}
	return rest
}
