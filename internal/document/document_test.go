package document

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/resumeforge/api/internal/model"
)

var normalizeInputs = []string{
	"",
	"## SUMMARY\n- 5 years",
	"**WORK HISTORY**\n- did X",
	"```markdown\nignored\n```\n# Jane Doe\n\n\n\n* item one\n• item two\n– item three",
	"### ## nested heading\n---\n__under__ and `code`",
	"line with trailing spaces   \r\n\r\n\r\n\r\nnext",
	"-*-*-\n--\n-\n   - indented",
	"   leading blank\n\n\n",
	"\r#0",
	"\v#",
	"\u00a0# x",
	"a\rb\f\u0085c",
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, in := range normalizeInputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("not idempotent for %q:\n once=%q\ntwice=%q", in, once, twice)
		}
	}
}

func TestNormalize_StripsMarkup(t *testing.T) {
	in := "```\ncode\n```\n## **SUMMARY**\n\n\n\n* First point\n• Second point\n---\nplain `tick`"
	want := "SUMMARY\n\n- First point\n- Second point\n\nplain tick"
	if got := Normalize(in); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMerge_ExistingHistoryHeading(t *testing.T) {
	merged := Merge(Normalize("SUMMARY\n- 5 years"), Normalize("WORK HISTORY\n- did X"))
	want := "SUMMARY\n- 5 years\n\nWORK HISTORY\n- did X"
	if merged != want {
		t.Errorf("got %q, want %q", merged, want)
	}
}

func TestMerge_InsertsHeader(t *testing.T) {
	merged := Merge("Jane Doe\nSUMMARY", "Acme – Remote\n- shipped things")
	want := "Jane Doe\nSUMMARY\n\nWORK EXPERIENCE\nAcme – Remote\n- shipped things"
	if merged != want {
		t.Errorf("got %q, want %q", merged, want)
	}
}

func TestMerge_HeadingWithColonAndCase(t *testing.T) {
	merged := Merge("A", "Professional Experience:\n- x")
	if strings.Contains(merged, HistoryHeader) {
		t.Errorf("header inserted despite existing heading: %q", merged)
	}
}

func TestMerge_EmptySections(t *testing.T) {
	if got := Merge("", ""); got != "" {
		t.Errorf("expected empty merge, got %q", got)
	}
	if got := Merge("only primary", ""); got != "only primary" {
		t.Errorf("got %q", got)
	}
	if got := Merge("", "- x"); got != "WORK EXPERIENCE\n- x" {
		t.Errorf("got %q", got)
	}
}

func TestMerge_NormalizeOrderIndependent(t *testing.T) {
	primary, history := "## A\n\n\n\n**b**", "* c\n---"
	p1 := Normalize(primary)
	h1 := Normalize(history)
	h2 := Normalize(history)
	p2 := Normalize(primary)
	if Merge(p1, h1) != Merge(p2, h2) {
		t.Error("merge depends on normalization order")
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		merged string
		ext    string
		want   string
	}{
		{"Jane Doe\nSUMMARY", ".docx", "Jane_Doe_resume.docx"},
		{"John  O'Brien-Smith", ".pdf", "John_O_Brien_Smith_resume.pdf"},
		{"", ".docx", "Candidate_resume.docx"},
		{"SUMMARY\n- 5 years", ".docx", "SUMMARY_resume.docx"},
	}
	for _, tt := range tests {
		if got := Filename(tt.merged, tt.ext); got != tt.want {
			t.Errorf("Filename(%q) = %q, want %q", tt.merged, got, tt.want)
		}
	}
}

func TestLayout(t *testing.T) {
	text := "Jane Doe\nEmail: jane@example.com | Phone: +1 555 0100\nSUMMARY\n- 5 years\nWORK EXPERIENCE\nAcme – Remote\nTechnologies Used: Go, Redis"
	blocks := Layout(text)

	kinds := []BlockKind{BlockName, BlockContact, BlockTitle, BlockBullet, BlockTitle, BlockText, BlockLabeled}
	if len(blocks) != len(kinds) {
		t.Fatalf("expected %d blocks, got %d: %+v", len(kinds), len(blocks), blocks)
	}
	for i, k := range kinds {
		if blocks[i].Kind != k {
			t.Errorf("block %d: expected kind %d, got %d (%q)", i, k, blocks[i].Kind, blocks[i].Text)
		}
	}
	if blocks[6].Label != "Technologies Used" || blocks[6].Text != "Go, Redis" {
		t.Errorf("unexpected labeled block %+v", blocks[6])
	}
}

func TestDocx_DeterministicAndReadable(t *testing.T) {
	b := NewDocxBuilder()
	blocks := Layout("Jane <Doe>\nSUMMARY\n- R&D lead")

	first, err := b.Build(blocks)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, _ := b.Build(blocks)
	if !bytes.Equal(first, second) {
		t.Fatal("identical input produced different bytes")
	}

	zr, err := zip.NewReader(bytes.NewReader(first), int64(len(first)))
	if err != nil {
		t.Fatalf("not a zip: %v", err)
	}
	var doc string
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		doc = string(data)
	}
	if doc == "" {
		t.Fatal("word/document.xml missing")
	}
	if !strings.Contains(doc, "Jane &lt;Doe&gt;") || !strings.Contains(doc, "R&amp;D lead") {
		t.Errorf("text not escaped into document: %s", doc)
	}
}

func TestEngine_UnsupportedFormat(t *testing.T) {
	e := NewEngine()
	_, err := e.Render(context.Background(), "x", model.Format("odt"))

	var renderErr *model.RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("expected RenderError, got %v", err)
	}
}

func TestEngine_Word(t *testing.T) {
	data, err := NewEngine().Render(context.Background(), "Jane Doe\nSUMMARY", model.FormatWord)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("PK")) {
		t.Error("expected a zip container")
	}
}

func TestEngine_PDFDeterministic(t *testing.T) {
	text := "Jane Doe\njane@example.com\n\nSUMMARY\n- Five years of Go\n\nWORK HISTORY\nAcme: Built things"
	first, err := NewEngine().Render(context.Background(), text, model.FormatPDF)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	second, err := NewEngine().Render(context.Background(), text, model.FormatPDF)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !bytes.HasPrefix(first, []byte("%PDF")) {
		t.Error("expected a PDF header")
	}
	if !bytes.Equal(first, second) {
		t.Error("identical text rendered to different PDF bytes")
	}
	if bytes.Contains(first, []byte("(D:")) && !bytes.Contains(first, []byte(fixedPDFDate)) {
		t.Error("creation date was not pinned")
	}
}

func TestPinWriteStamps(t *testing.T) {
	raw := []byte("/CreationDate (D:20261019101112+02'00')\ntrailer\n<</ID [<0123456789abcdef0123456789abcdef> <fedcba9876543210fedcba9876543210>]>>")
	got := pinWriteStamps(append([]byte(nil), raw...), []byte("layout"))

	if len(got) != len(raw) {
		t.Fatalf("length changed: %d -> %d", len(raw), len(got))
	}
	if !bytes.Contains(got, []byte(fixedPDFDate)) {
		t.Errorf("date not pinned: %s", got)
	}
	m := pdfFileID.FindSubmatch(got)
	if m == nil || !bytes.Equal(m[1], m[2]) || bytes.Equal(m[1], []byte("0123456789abcdef0123456789abcdef")) {
		t.Errorf("file id not pinned: %s", got)
	}
	if again := pinWriteStamps(append([]byte(nil), raw...), []byte("layout")); !bytes.Equal(got, again) {
		t.Error("pinning is not stable")
	}
}

func TestPDFLayout_Paginates(t *testing.T) {
	b := &PDFBuilder{font: "Helvetica", wrapWidth: 95}
	var sb strings.Builder
	sb.WriteString("Jane Doe\n")
	for i := 0; i < 120; i++ {
		sb.WriteString("- bullet point\n")
	}

	l := b.layout(Layout(sb.String()))
	if len(l.Pages) < 2 {
		t.Fatalf("expected multiple pages, got %d", len(l.Pages))
	}
	for no, p := range l.Pages {
		for _, txt := range p.Content.Text {
			if txt.Pos[1] < pageMargin || txt.Pos[1] > pageHeight {
				t.Errorf("page %s: text out of bounds at y=%d", no, txt.Pos[1])
			}
		}
	}
}

func TestWrap(t *testing.T) {
	lines := wrap("alpha beta gamma delta", 11)
	want := []string{"alpha beta", "gamma delta"}
	if len(lines) != len(want) {
		t.Fatalf("got %q", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
	if wrap("   ", 10) != nil {
		t.Error("expected nil for blank text")
	}
}
