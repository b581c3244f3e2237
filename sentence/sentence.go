// Package sentence turns a natural-language placement sentence into a Plan.
package sentence

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// ErrNotUnderstood is returned when a sentence cannot be turned into a Plan.
var ErrNotUnderstood = errors.New("sentence not understood")

// Relation is the spatial relation between the placed object and a reference.
type Relation string

const (
	RelationNone   Relation = "none"
	RelationOn     Relation = "on"
	RelationUnder  Relation = "under"
	RelationAbove  Relation = "above"
	RelationLeft   Relation = "left"
	RelationRight  Relation = "right"
	RelationFront  Relation = "front"
	RelationBehind Relation = "behind"
)

// Plan is an interpreted sentence.
type Plan struct {
	Sentence  string
	Subject   string
	Relation  Relation
	Reference string
}

// HasReference reports whether the plan places its subject relative to
// another object.
func (p *Plan) HasReference() bool {
	return p.Relation != RelationNone && p.Reference != ""
}

// Interpreter is implemented by anything that can understand a sentence.
type Interpreter interface {
	Interpret(ctx context.Context, sentence string) (*Plan, error)
}

// InterpreterFunc adapts a function to Interpreter.
type InterpreterFunc func(ctx context.Context, sentence string) (*Plan, error)

func (f InterpreterFunc) Interpret(ctx context.Context, sentence string) (*Plan, error) {
	return f(ctx, sentence)
}

var verbs = map[string]bool{
	"place": true, "put": true, "add": true, "create": true, "insert": true, "spawn": true,
}

var articles = map[string]bool{"a": true, "an": true, "the": true, "some": true, "one": true}

// Longer phrases come first so "on top of" wins over "on".
var prepositions = []struct {
	words []string
	rel   Relation
}{
	{[]string{"to", "the", "left", "of"}, RelationLeft},
	{[]string{"to", "the", "right", "of"}, RelationRight},
	{[]string{"in", "front", "of"}, RelationFront},
	{[]string{"on", "top", "of"}, RelationOn},
	{[]string{"left", "of"}, RelationLeft},
	{[]string{"right", "of"}, RelationRight},
	{[]string{"next", "to"}, RelationRight},
	{[]string{"on"}, RelationOn},
	{[]string{"onto"}, RelationOn},
	{[]string{"under"}, RelationUnder},
	{[]string{"below"}, RelationUnder},
	{[]string{"beneath"}, RelationUnder},
	{[]string{"underneath"}, RelationUnder},
	{[]string{"above"}, RelationAbove},
	{[]string{"over"}, RelationAbove},
	{[]string{"behind"}, RelationBehind},
}

// RuleInterpreter understands sentences of the form
//
//	<verb> [article] <subject> [<relation> [article] <reference>]
//
// for example "Place a house" or "Put the lamp on top of the table".
type RuleInterpreter struct{}

func (RuleInterpreter) Interpret(ctx context.Context, s string) (*Plan, error) {
	words := tokenize(s)
	if len(words) < 2 || !verbs[words[0]] {
		return nil, ErrNotUnderstood
	}
	words = words[1:]

	plan := &Plan{Sentence: s, Relation: RelationNone}
	subject := words
	for i := 1; i < len(words); i++ {
		if rel, n, ok := matchPreposition(words[i:]); ok {
			subject = words[:i]
			plan.Relation = rel
			plan.Reference = strings.Join(stripArticle(words[i+n:]), " ")
			if plan.Reference == "" {
				return nil, ErrNotUnderstood
			}
			break
		}
	}
	plan.Subject = strings.Join(stripArticle(subject), " ")
	if plan.Subject == "" {
		return nil, ErrNotUnderstood
	}
	return plan, nil
}

func matchPreposition(words []string) (Relation, int, bool) {
	for _, p := range prepositions {
		if len(words) < len(p.words) {
			continue
		}
		match := true
		for j, w := range p.words {
			if words[j] != w {
				match = false
				break
			}
		}
		if match {
			return p.rel, len(p.words), true
		}
	}
	return "", 0, false
}

func stripArticle(words []string) []string {
	if len(words) > 0 && articles[words[0]] {
		return words[1:]
	}
	return words
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}
