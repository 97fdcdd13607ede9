package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"time"
)

// Zip entries carry a fixed timestamp so identical text renders to
// identical bytes.
var docxTimestamp = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"><Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/><Default Extension="xml" ContentType="application/xml"/><Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/></Types>`

const packageRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"><Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/></Relationships>`

// 0.5 inch margins on US Letter, in twentieths of a point.
const sectionPropsXML = `<w:sectPr><w:pgSz w:w="12240" w:h="15840"/><w:pgMar w:top="720" w:right="720" w:bottom="720" w:left="720" w:header="720" w:footer="720" w:gutter="0"/></w:sectPr>`

// DocxBuilder writes a minimal WordprocessingML package.
type DocxBuilder struct {
	font string
}

func NewDocxBuilder() *DocxBuilder {
	return &DocxBuilder{font: "Calibri"}
}

func (b *DocxBuilder) Build(blocks []Block) ([]byte, error) {
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	body.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, blk := range blocks {
		b.writeBlock(&body, blk)
	}
	body.WriteString(sectionPropsXML)
	body.WriteString(`</w:body></w:document>`)

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	parts := []struct {
		name string
		data []byte
	}{
		{"[Content_Types].xml", []byte(contentTypesXML)},
		{"_rels/.rels", []byte(packageRelsXML)},
		{"word/document.xml", body.Bytes()},
	}
	for _, p := range parts {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     p.name,
			Method:   zip.Deflate,
			Modified: docxTimestamp,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", p.name, err)
		}
		if _, err := w.Write(p.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", p.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close docx: %w", err)
	}
	return out.Bytes(), nil
}

func (b *DocxBuilder) writeBlock(buf *bytes.Buffer, blk Block) {
	switch blk.Kind {
	case BlockName:
		buf.WriteString(`<w:p><w:pPr><w:jc w:val="center"/></w:pPr>`)
		b.writeRun(buf, blk.Text, true, 40)
	case BlockContact:
		buf.WriteString(`<w:p><w:pPr><w:jc w:val="center"/></w:pPr>`)
		b.writeRun(buf, blk.Text, false, 22)
	case BlockTitle:
		buf.WriteString(`<w:p><w:pPr><w:pBdr><w:bottom w:val="single" w:sz="6" w:space="1" w:color="000000"/></w:pBdr><w:spacing w:before="240" w:after="80"/></w:pPr>`)
		b.writeRun(buf, blk.Text, true, 24)
	case BlockBullet:
		buf.WriteString(`<w:p><w:pPr><w:ind w:left="360" w:hanging="180"/><w:jc w:val="both"/></w:pPr>`)
		b.writeRun(buf, "• "+blk.Text, false, 22)
	case BlockLabeled:
		buf.WriteString(`<w:p><w:pPr><w:spacing w:after="200"/></w:pPr>`)
		b.writeRun(buf, blk.Label+": ", true, 22)
		b.writeRun(buf, blk.Text, false, 22)
	default:
		buf.WriteString(`<w:p><w:pPr><w:jc w:val="both"/></w:pPr>`)
		b.writeRun(buf, blk.Text, false, 22)
	}
	buf.WriteString(`</w:p>`)
}

// size is in half-points.
func (b *DocxBuilder) writeRun(buf *bytes.Buffer, text string, bold bool, size int) {
	fmt.Fprintf(buf, `<w:r><w:rPr><w:rFonts w:ascii="%s" w:hAnsi="%s"/>`, b.font, b.font)
	if bold {
		buf.WriteString(`<w:b/>`)
	}
	fmt.Fprintf(buf, `<w:sz w:val="%d"/></w:rPr><w:t xml:space="preserve">`, size)
	_ = xml.EscapeText(buf, []byte(text))
	buf.WriteString(`</w:t></w:r>`)
}
