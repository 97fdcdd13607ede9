package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disableConfigDir sync.Once

// pdfcpu stamps the write time into the Info dict and the trailer ID.
var (
	pdfDate   = regexp.MustCompile(`\(D:\d{14}[+-]\d{2}'\d{2}'\)`)
	pdfFileID = regexp.MustCompile(`/ID\s*\[\s*<([0-9A-Fa-f]{32})>\s*<([0-9A-Fa-f]{32})>`)
)

const fixedPDFDate = "(D:20000101000000+00'00')"

// A4 portrait in points.
const (
	pageWidth  = 595
	pageHeight = 842
	pageMargin = 40
)

type pdfFont struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type pdfText struct {
	Value string  `json:"value"`
	Pos   [2]int  `json:"pos"`
	Align string  `json:"align,omitempty"`
	Font  pdfFont `json:"font"`
}

type pdfContent struct {
	Text []pdfText `json:"text"`
}

type pdfPage struct {
	Content pdfContent `json:"content"`
}

type pdfLayout struct {
	Paper  string              `json:"paper"`
	Origin string              `json:"origin"`
	Pages  map[string]*pdfPage `json:"pages"`
}

// PDFBuilder lays blocks out as positioned text and lets pdfcpu write the
// file. Output is byte-identical for identical blocks.
type PDFBuilder struct {
	font      string
	wrapWidth int
}

func NewPDFBuilder() *PDFBuilder {
	disableConfigDir.Do(pdfapi.DisableConfigDir)
	return &PDFBuilder{
		font:      "Helvetica",
		wrapWidth: 95,
	}
}

func (b *PDFBuilder) Build(blocks []Block) ([]byte, error) {
	layout := b.layout(blocks)

	layoutJSON, err := json.Marshal(layout)
	if err != nil {
		return nil, fmt.Errorf("marshal pdf layout: %w", err)
	}

	conf := pdfmodel.NewDefaultConfiguration()
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false

	var out bytes.Buffer
	if err := pdfapi.Create(nil, bytes.NewReader(layoutJSON), &out, conf); err != nil {
		return nil, fmt.Errorf("pdfcpu create: %w", err)
	}
	return pinWriteStamps(out.Bytes(), layoutJSON), nil
}

// pinWriteStamps replaces the creation dates and file ID with values derived
// from the layout. Replacements keep their length so xref offsets stay valid.
func pinWriteStamps(data, layoutJSON []byte) []byte {
	data = pdfDate.ReplaceAll(data, []byte(fixedPDFDate))

	sum := sha256.Sum256(layoutJSON)
	id := []byte(hex.EncodeToString(sum[:16]))
	for _, m := range pdfFileID.FindAllSubmatchIndex(data, -1) {
		copy(data[m[2]:m[3]], id)
		copy(data[m[4]:m[5]], id)
	}
	return data
}

func (b *PDFBuilder) layout(blocks []Block) *pdfLayout {
	l := &pdfLayout{Paper: "A4P", Origin: "LowerLeft", Pages: map[string]*pdfPage{}}

	pageNo := 1
	page := &pdfPage{}
	l.Pages["1"] = page
	y := pageHeight - pageMargin

	emit := func(value string, font pdfFont, center bool, lead int) {
		if y-lead < pageMargin {
			pageNo++
			page = &pdfPage{}
			l.Pages[strconv.Itoa(pageNo)] = page
			y = pageHeight - pageMargin
		}
		y -= lead
		t := pdfText{Value: value, Pos: [2]int{pageMargin, y}, Font: font}
		if center {
			t.Pos[0] = pageWidth / 2
			t.Align = "center"
		}
		page.Content.Text = append(page.Content.Text, t)
	}

	// A single font keeps pdfcpu's resource numbering stable.
	body := pdfFont{b.font, 10}
	for _, blk := range blocks {
		switch blk.Kind {
		case BlockName:
			emit(blk.Text, pdfFont{b.font, 18}, true, 24)
		case BlockContact:
			emit(blk.Text, body, true, 14)
		case BlockTitle:
			emit(blk.Text, pdfFont{b.font, 13}, false, 22)
		case BlockBullet:
			for i, part := range wrap(blk.Text, b.wrapWidth-4) {
				prefix := "    "
				if i == 0 {
					prefix = "•  "
				}
				emit(prefix+part, body, false, 13)
			}
		case BlockLabeled:
			for _, part := range wrap(blk.Label+": "+blk.Text, b.wrapWidth) {
				emit(part, body, false, 13)
			}
		default:
			for _, part := range wrap(blk.Text, b.wrapWidth) {
				emit(part, body, false, 13)
			}
		}
	}
	return l
}

// wrap splits text on word boundaries into lines of at most width runes.
func wrap(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var (
		lines []string
		cur   strings.Builder
	)
	for _, w := range words {
		if cur.Len() > 0 && len([]rune(cur.String()))+1+len([]rune(w)) > width {
			lines = append(lines, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}
