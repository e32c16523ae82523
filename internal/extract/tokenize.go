package extract

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	_ "github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/registry"

	"github.com/csvquery/wordindex/internal/common"
	"github.com/csvquery/wordindex/internal/store"
)

// analyzerRegistry caches instantiated bleve analyzers; registration happens
// in the analyzer packages' init functions.
var analyzerRegistry = registry.NewCache()

// TokenFunc receives every token produced for a document: the field it came
// from, the field's id, the packed position, and the word itself. The word is
// only valid for the duration of the call.
type TokenFunc func(fieldName string, fid common.FieldID, pos common.Position, word string) error

// DocumentTokenizer walks a document's searchable fields and runs the
// external analyzer over each value, invoking a callback per token. It is
// the only surface that consumes the tokenizer; everything downstream sees
// (field, position, word) triples.
type DocumentTokenizer struct {
	defaultAnalyzer     analysis.Analyzer
	localizedRules      []store.LocalizedAttributesRule
	localizedAnalyzers  []analysis.Analyzer
	stopWords           map[string]struct{}
	dictionary          map[string]struct{}
	separatorReplacer   *strings.Replacer
	attributesToExtract []string // nil means every field
	attributesToSkip    []string
	weights             *common.FieldWeightsMap
	maxPositions        uint16
}

// NewDocumentTokenizer builds a tokenizer from the index settings. The
// weights map assigns attribute indexes to field ids; fields without a
// weight fall back to their id.
func NewDocumentTokenizer(settings *store.Settings, weights *common.FieldWeightsMap) (*DocumentTokenizer, error) {
	def, err := analyzerRegistry.AnalyzerNamed(simple.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to build analyzer: %w", err)
	}

	dt := &DocumentTokenizer{
		defaultAnalyzer:     def,
		localizedRules:      settings.LocalizedAttributesRules,
		attributesToExtract: settings.SearchableFields,
		weights:             weights,
		maxPositions:        common.MaxPositionPerAttribute,
	}

	for _, rule := range settings.LocalizedAttributesRules {
		a, err := analyzerRegistry.AnalyzerNamed(rule.Analyzer)
		if err != nil {
			return nil, fmt.Errorf("unknown analyzer %q: %w", rule.Analyzer, err)
		}
		dt.localizedAnalyzers = append(dt.localizedAnalyzers, a)
	}

	if len(settings.StopWords) > 0 {
		dt.stopWords = make(map[string]struct{}, len(settings.StopWords))
		for _, w := range settings.StopWords {
			dt.stopWords[w] = struct{}{}
		}
	}
	if len(settings.Dictionary) > 0 {
		dt.dictionary = make(map[string]struct{}, len(settings.Dictionary))
		for _, w := range settings.Dictionary {
			dt.dictionary[w] = struct{}{}
		}
	}
	if len(settings.AllowedSeparators) > 0 {
		pairs := make([]string, 0, 2*len(settings.AllowedSeparators))
		for _, sep := range settings.AllowedSeparators {
			pairs = append(pairs, sep, " ")
		}
		dt.separatorReplacer = strings.NewReplacer(pairs...)
	}

	return dt, nil
}

// TokenizeDocument visits doc's searchable fields in order, registering
// field names in the registry as needed, and calls fn for every token.
// Positions restart per attribute and stop at the per-attribute cap.
func (dt *DocumentTokenizer) TokenizeDocument(doc *store.Document, fields *common.FieldIDMap, fn TokenFunc) error {
	for _, field := range doc.Fields() {
		if !dt.searchable(field.Name) || dt.skipped(field.Name) {
			continue
		}
		fid, err := fields.IDOrInsert(field.Name)
		if err != nil {
			return err
		}
		attr := dt.attributeIndex(fid)

		text := field.Value
		if dt.separatorReplacer != nil {
			text = dt.separatorReplacer.Replace(text)
		}

		rel := uint16(0)
		for _, token := range dt.analyzerFor(field.Name).Analyze([]byte(text)) {
			if rel >= dt.maxPositions {
				break
			}
			word := string(token.Term)
			if dt.isStopWord(word) {
				continue
			}
			pos := common.AbsoluteFromRelative(attr, rel)
			if err := fn(field.Name, fid, pos, word); err != nil {
				return err
			}
			rel++
		}
	}
	return nil
}

// analyzerFor picks the analyzer of the first localized rule covering the
// field, falling back to the default.
func (dt *DocumentTokenizer) analyzerFor(fieldName string) analysis.Analyzer {
	for i, rule := range dt.localizedRules {
		for _, pattern := range rule.AttributePatterns {
			if containedIn(fieldName, pattern) {
				return dt.localizedAnalyzers[i]
			}
		}
	}
	return dt.defaultAnalyzer
}

func (dt *DocumentTokenizer) searchable(fieldName string) bool {
	if dt.attributesToExtract == nil {
		return true
	}
	for _, attr := range dt.attributesToExtract {
		if containedIn(fieldName, attr) {
			return true
		}
	}
	return false
}

func (dt *DocumentTokenizer) skipped(fieldName string) bool {
	for _, attr := range dt.attributesToSkip {
		if containedIn(fieldName, attr) {
			return true
		}
	}
	return false
}

// isStopWord drops configured stop words unless the dictionary pins them.
func (dt *DocumentTokenizer) isStopWord(word string) bool {
	if _, ok := dt.dictionary[word]; ok {
		return false
	}
	_, ok := dt.stopWords[word]
	return ok
}

func (dt *DocumentTokenizer) attributeIndex(fid common.FieldID) uint16 {
	if w, ok := dt.weights.Weight(fid); ok {
		return w
	}
	return fid
}

// containedIn reports whether the attribute selector covers fieldName:
// either exactly, or as a parent of a dotted path, or via the wildcard.
func containedIn(fieldName, selector string) bool {
	return selector == "*" ||
		fieldName == selector ||
		strings.HasPrefix(fieldName, selector+".")
}
