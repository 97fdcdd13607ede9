package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/resumeforge/api/internal/model"
)

// Completer is satisfied by the retrying caller.
type Completer interface {
	Call(ctx context.Context, prompt, system string) (string, error)
}

// Params is the input shared by both section kinds.
type Params struct {
	SubjectContent string
	TargetContext  string
}

// Section is the raw text produced for one kind.
type Section struct {
	Kind model.SectionKind
	Text string
}

type SectionGenerator struct {
	completer Completer
	now       func() time.Time
}

func NewSectionGenerator(completer Completer) *SectionGenerator {
	return &SectionGenerator{completer: completer, now: time.Now}
}

// Generate produces one section. Errors come back from the completer
// unchanged so attempt counts survive.
func (g *SectionGenerator) Generate(ctx context.Context, kind model.SectionKind, p Params) (Section, error) {
	prompt, system, err := g.buildPrompt(kind, p)
	if err != nil {
		return Section{}, err
	}

	text, err := g.completer.Call(ctx, prompt, system)
	if err != nil {
		return Section{}, err
	}
	return Section{Kind: kind, Text: text}, nil
}

func (g *SectionGenerator) buildPrompt(kind model.SectionKind, p Params) (string, string, error) {
	switch kind {
	case model.SectionPrimary:
		experience := TotalExperience(p.SubjectContent, g.now())
		return fmt.Sprintf(primaryPrompt, experience, p.TargetContext, p.SubjectContent), primarySystem, nil
	case model.SectionHistory:
		return fmt.Sprintf(historyPrompt, p.TargetContext, p.SubjectContent), historySystem, nil
	}
	return "", "", fmt.Errorf("unknown section kind %q", kind)
}
