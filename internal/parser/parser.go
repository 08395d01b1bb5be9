// Package parser turns raw JSON records into relational rows. Each model
// field declares an alias path ("root.items[*].id"); the parser walks every
// record depth-first, caches each node by its concrete path, and extracts a
// row for a table wherever the table's path pattern matches a visited
// object. Wildcard segments resolve to the index trail of the current path,
// which is what lets child tables inherit ancestor fields (foreign keys)
// for free.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/rat-data/apiloader/internal/domain"
)

var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

// Parser extracts one or more TableBatches per input batch.
type Parser struct {
	ep      *domain.APIEndpointConfig
	batches []*domain.TableBatch
	matches map[string]*regexp.Regexp
	indexed map[string]any
	errs    []RecordError
}

// New precomputes each table's JSON path pattern and its anchored matcher.
func New(ep *domain.APIEndpointConfig) (*Parser, error) {
	p := &Parser{
		ep:      ep,
		matches: make(map[string]*regexp.Regexp),
		indexed: make(map[string]any),
	}
	for _, tc := range ep.Tables {
		pattern := pathPattern(tc.Model)
		p.batches = append(p.batches, &domain.TableBatch{
			Model:           tc.Model,
			JSONPathPattern: pattern,
		})
		if _, ok := p.matches[pattern]; !ok {
			escaped := regexp.QuoteMeta(pattern)
			escaped = strings.ReplaceAll(escaped, `\[\*\]`, `\[\d+\]`)
			re, err := regexp.Compile("^" + escaped + "$")
			if err != nil {
				return nil, fmt.Errorf("compile path pattern %q: %w", pattern, err)
			}
			p.matches[pattern] = re
		}
	}
	return p, nil
}

// Parse walks one batch of raw records and returns the populated table
// batches. Validation failures are collected across the whole batch and
// surfaced together with per-path diagnostics.
func (p *Parser) Parse(batch []any) ([]*domain.TableBatch, error) {
	for _, tb := range p.batches {
		tb.Clear()
	}
	p.indexed = make(map[string]any)
	p.errs = p.errs[:0]

	for _, record := range batch {
		p.walk(record, "root")
	}
	if len(p.errs) > 0 {
		return nil, &ValidationError{Records: append([]RecordError(nil), p.errs...)}
	}
	return p.batches, nil
}

// walk caches every node by concrete path, recursing into objects and
// arrays. An object's direct children are all cached before any of them is
// recursed into, and extraction is attempted at each object node once its
// subtree is cached, so aliases into descendants and ancestors both resolve.
func (p *Parser) walk(obj any, path string) {
	p.indexed[path] = obj

	switch node := obj.(type) {
	case map[string]any:
		for key, value := range node {
			p.indexed[path+"."+key] = value
		}
		for key, value := range node {
			switch value.(type) {
			case map[string]any, []any:
				p.walk(value, path+"."+key)
			}
		}
		p.extractAt(path)
	case []any:
		for index, item := range node {
			itemPath := path + "[" + strconv.Itoa(index) + "]"
			p.indexed[itemPath] = item
			switch item.(type) {
			case map[string]any, []any:
				p.walk(item, itemPath)
			}
		}
	}
}

// extractAt assembles a row for every table whose pattern matches the
// current path.
func (p *Parser) extractAt(path string) {
	for _, tb := range p.batches {
		if !p.matches[tb.JSONPathPattern].MatchString(path) {
			continue
		}
		data := p.buildModelData(path, tb.Model)
		record, fieldErrs := validateRecord(tb.Model, data)
		if len(fieldErrs) > 0 {
			p.errs = append(p.errs, RecordError{
				Path:   path,
				Model:  tb.Model.Name,
				Fields: fieldErrs,
			})
			continue
		}
		record[domain.RowHashColumn] = domain.RowHash(record, tb.Model.SortedKeys())
		tb.Add(record)
	}
}

// buildModelData reads each field's value from the index cache. Wildcard
// aliases pointing at a list of scalars serialize the whole list as JSON;
// otherwise the wildcard segments resolve to the index trail of the
// current path.
func (p *Parser) buildModelData(path string, model *domain.DataModel) map[string]any {
	data := make(map[string]any, len(model.Fields))
	for _, field := range model.Fields {
		if !field.HasWildcard() {
			data[field.Name] = p.indexed[field.Alias]
			continue
		}

		listPath := strings.ReplaceAll(field.Alias, "[*]", "")
		if list, ok := p.indexed[listPath].([]any); ok {
			if isScalarList(list) {
				encoded, err := json.Marshal(list)
				if err == nil {
					data[field.Name] = string(encoded)
					continue
				}
			}
		}
		resolved := resolveWildcards(field.Alias, path)
		data[field.Name] = p.indexed[resolved]
	}
	return data
}

// isScalarList reports whether a list is empty or its first element is not
// an object (tags, image URLs); later elements are not inspected.
func isScalarList(list []any) bool {
	if len(list) == 0 {
		return true
	}
	_, isObject := list[0].(map[string]any)
	return !isObject
}

// resolveWildcards replaces each [*] in the alias with the array index the
// current path visits for that segment, producing a concrete cache key like
// "root.items[3].reviews[2].rating".
func resolveWildcards(alias, currentPath string) string {
	aliasSegments := strings.Split(alias, ".")
	currentSegments := strings.Split(currentPath, ".")
	resolved := make([]string, 0, len(aliasSegments))
	cursor := 0

	for _, aliasSegment := range aliasSegments {
		if !strings.Contains(aliasSegment, "[*]") {
			resolved = append(resolved, aliasSegment)
			if cursor < len(currentSegments) && currentSegments[cursor] == aliasSegment {
				cursor++
			}
			continue
		}

		keyName := aliasSegment[:strings.IndexByte(aliasSegment, '[')]
		found := false
		for index := cursor; index < len(currentSegments); index++ {
			segment := currentSegments[index]
			if !strings.HasPrefix(segment, keyName+"[") {
				continue
			}
			if m := indexPattern.FindStringSubmatch(segment); m != nil {
				resolved = append(resolved, keyName+"["+m[1]+"]")
				cursor = index + 1
				found = true
			}
			break
		}
		if !found {
			resolved = append(resolved, aliasSegment)
		}
	}
	return strings.Join(resolved, ".")
}

// pathPattern computes where in the tree a model's rows live. With
// wildcards: the deepest wildcard alias parent. Without: the deepest common
// parent of all aliases, falling back to the record root.
func pathPattern(model *domain.DataModel) string {
	var wildcardParents []string
	allParents := make([]string, 0, len(model.Fields))
	for _, field := range model.Fields {
		parent := aliasParent(field.Alias)
		allParents = append(allParents, parent)
		if field.HasWildcard() {
			wildcardParents = append(wildcardParents, parent)
		}
	}
	if len(wildcardParents) > 0 {
		deepest := wildcardParents[0]
		for _, parent := range wildcardParents[1:] {
			if strings.Count(parent, ".") > strings.Count(deepest, ".") {
				deepest = parent
			}
		}
		return deepest
	}
	return commonParent(allParents)
}

// aliasParent drops the final segment of an alias.
func aliasParent(alias string) string {
	if i := strings.LastIndexByte(alias, '.'); i >= 0 {
		return alias[:i]
	}
	return alias
}

// commonParent finds the deepest shared dotted prefix, comparing segment
// base names so "items[0]" and "items[*]" agree.
func commonParent(paths []string) string {
	if len(paths) == 0 {
		return "root"
	}
	split := make([][]string, len(paths))
	minLen := -1
	for i, path := range paths {
		split[i] = strings.Split(path, ".")
		if minLen < 0 || len(split[i]) < minLen {
			minLen = len(split[i])
		}
	}

	var common []string
	for index := 0; index < minLen; index++ {
		base := segmentBase(split[0][index])
		agree := true
		for _, segments := range split[1:] {
			if segmentBase(segments[index]) != base {
				agree = false
				break
			}
		}
		if !agree {
			break
		}
		common = append(common, split[0][index])
	}
	if len(common) == 0 {
		return "root"
	}
	return strings.Join(common, ".")
}

// segmentBase strips an array suffix from a path segment.
func segmentBase(segment string) string {
	if i := strings.IndexByte(segment, '['); i >= 0 {
		return segment[:i]
	}
	return segment
}
