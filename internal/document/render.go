package document

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/resumeforge/api/internal/model"
)

// Renderer turns merged text into a binary document.
type Renderer interface {
	Render(ctx context.Context, text string, format model.Format) ([]byte, error)
}

// Engine dispatches to the DOCX or PDF builder by format.
type Engine struct {
	word *DocxBuilder
	pdf  *PDFBuilder
}

func NewEngine() *Engine {
	return &Engine{
		word: NewDocxBuilder(),
		pdf:  NewPDFBuilder(),
	}
}

func (e *Engine) Render(ctx context.Context, text string, format model.Format) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &model.RenderError{Format: format, Cause: err}
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case model.FormatWord:
		data, err = e.word.Build(Layout(text))
	case model.FormatPDF:
		data, err = e.pdf.Build(Layout(text))
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, &model.RenderError{Format: format, Cause: err}
	}
	return data, nil
}

// Block kinds in a laid-out resume
type BlockKind int

const (
	BlockName BlockKind = iota
	BlockContact
	BlockTitle
	BlockBullet
	BlockLabeled
	BlockText
)

type Block struct {
	Kind  BlockKind
	Label string
	Text  string
}

var (
	tenDigits   = regexp.MustCompile(`\b\d{10}\b`)
	plusDigit   = regexp.MustCompile(`\+\d`)
	labeledLine = regexp.MustCompile(`^(Technologies Used|Total Experience)\s*:\s*(.*)$`)
)

func isContactLine(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "email") ||
		strings.Contains(l, "@") ||
		strings.Contains(l, "phone") ||
		tenDigits.MatchString(l) ||
		plusDigit.MatchString(l)
}

// Layout classifies each non-empty line of merged text. The first line is
// the display name and the contact lines directly below it are grouped.
func Layout(text string) []Block {
	var lines []string
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(strings.Trim(ln, "• "))
		if ln != "" {
			lines = append(lines, ln)
		}
	}

	blocks := make([]Block, 0, len(lines))
	i := 0
	if i < len(lines) {
		blocks = append(blocks, Block{Kind: BlockName, Text: lines[i]})
		i++
	}
	for i < len(lines) && isContactLine(lines[i]) {
		blocks = append(blocks, Block{Kind: BlockContact, Text: lines[i]})
		i++
	}

	for ; i < len(lines); i++ {
		line := lines[i]
		switch {
		case IsSectionTitle(line):
			blocks = append(blocks, Block{Kind: BlockTitle, Text: strings.ToUpper(strings.TrimRight(line, ":"))})
		case strings.HasPrefix(line, "- "):
			blocks = append(blocks, Block{Kind: BlockBullet, Text: strings.TrimSpace(line[2:])})
		case labeledLine.MatchString(line):
			m := labeledLine.FindStringSubmatch(line)
			blocks = append(blocks, Block{Kind: BlockLabeled, Label: m[1], Text: m[2]})
		default:
			blocks = append(blocks, Block{Kind: BlockText, Text: line})
		}
	}
	return blocks
}
