package detect

import "context"

// InjectionDetector flags a line when any pattern of its family is found
// anywhere in the normalized text. Every matching pattern name is evidence.
type InjectionDetector struct {
	name       string
	family     Family
	attackType AttackType
}

func NewInjectionDetector(name string, family Family, attackType AttackType) *InjectionDetector {
	return &InjectionDetector{name: name, family: family, attackType: attackType}
}

func (d *InjectionDetector) Name() string { return d.name }

func (d *InjectionDetector) Detect(_ context.Context, in Input) (Result, error) {
	return match(d.name, d.attackType, Matches(d.family, in.Normalized)), nil
}

func NewSQLiDetector() *InjectionDetector {
	return NewInjectionDetector("sqli", FamilySQLi, AttackSQLi)
}

func NewXSSDetector() *InjectionDetector {
	return NewInjectionDetector("xss", FamilyXSS, AttackXSS)
}

func NewCRLFDetector() *InjectionDetector {
	return NewInjectionDetector("crlf", FamilyCRLF, AttackCRLF)
}

func NewCommandDetector() *InjectionDetector {
	return NewInjectionDetector("cmdi", FamilyCommand, AttackCommand)
}

func NewTraversalDetector() *InjectionDetector {
	return NewInjectionDetector("traversal", FamilyTraversal, AttackTraversal)
}

func NewNoSQLDetector() *InjectionDetector {
	return NewInjectionDetector("nosql", FamilyNoSQL, AttackNoSQL)
}
