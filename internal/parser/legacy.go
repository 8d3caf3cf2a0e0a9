// Legacy format support: .xls (BIFF) via shakinm/xlsReader and .doc
// (OLE2) via richardlehane/mscfb.
package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/richardlehane/mscfb"
	"github.com/shakinm/xlsReader/xls"
)

func extractLegacyExcel(data []byte) (text string, err error) {
	// xlsReader panics on some malformed BIFF streams.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parse xls: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse xls: %w", err)
	}

	var lines []string
	for i := 0; i < wb.GetNumberSheets(); i++ {
		sheet, err := wb.GetSheet(i)
		if err != nil {
			continue
		}
		name := sheet.GetName()
		for r := 0; r < sheet.GetNumberRows(); r++ {
			row, err := sheet.GetRow(r)
			if err != nil || row == nil {
				continue
			}
			for c, cell := range row.GetCols() {
				if val := strings.TrimSpace(cell.GetString()); val != "" {
					lines = append(lines, fmt.Sprintf("%s-%d,%d: %s", name, r+1, c+1, val))
				}
			}
		}
	}

	return requireText(CleanText(strings.Join(lines, "\n")), "xls")
}

// extractLegacyWord reads the WordDocument stream out of the OLE2
// container and decodes its text, preferring the piece table in the
// 0Table/1Table stream over a raw scan.
func extractLegacyWord(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parse doc: %v", r)
		}
	}()

	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse doc: %w", err)
	}

	streams := make(map[string][]byte, 3)
	for {
		entry, nextErr := doc.Next()
		if nextErr != nil {
			break
		}
		switch entry.Name {
		case "WordDocument", "1Table":
			streams[entry.Name], _ = io.ReadAll(entry)
		case "0Table":
			if _, seen := streams["0Table"]; !seen {
				streams["0Table"], _ = io.ReadAll(entry)
			}
		}
	}

	wordDoc := streams["WordDocument"]
	if len(wordDoc) == 0 {
		return "", fmt.Errorf("parse doc: WordDocument stream not found")
	}
	table := streams["1Table"]
	if table == nil {
		table = streams["0Table"]
	}

	out := decodeWordStream(wordDoc, table)
	out = filterWordFieldCodes(out)
	return requireText(CleanText(out), "doc")
}

// decodeWordStream tries the piece table first and falls back to a
// printable-byte scan.
func decodeWordStream(wordDoc, table []byte) string {
	if len(wordDoc) < 12 {
		return ""
	}
	if pieces := readPieceTable(wordDoc, table); len(pieces) > 0 {
		var sb strings.Builder
		for _, p := range pieces {
			appendPieceText(&sb, wordDoc, p)
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return extractDirectText(wordDoc)
}

// docPiece is one run of document text located by a piece descriptor.
type docPiece struct {
	chars   uint32 // character count (cpEnd - cpStart)
	fc      uint32 // file offset, already unmasked
	unicode bool   // UTF-16LE when true, ANSI otherwise
}

// readPieceTable locates the CLX in the table stream via the FIB and
// parses the PlcPcd it contains. Returns nil whenever any structure is
// out of bounds; the caller falls back to a raw scan.
func readPieceTable(wordDoc, table []byte) []docPiece {
	// FIB offset 0x01A2: fcClx (CLX offset in table stream),
	// 0x01A6: lcbClx (CLX size).
	if len(wordDoc) < 0x01A2+8 || len(table) == 0 {
		return nil
	}
	fcClx := binary.LittleEndian.Uint32(wordDoc[0x01A2:0x01A6])
	lcbClx := binary.LittleEndian.Uint32(wordDoc[0x01A6:0x01AA])
	if fcClx == 0 || lcbClx == 0 || int(fcClx+lcbClx) > len(table) {
		return nil
	}

	plcPcd := pcdtBody(table[fcClx : fcClx+lcbClx])
	if plcPcd == nil {
		return nil
	}

	// PlcPcd layout: n+1 character positions (uint32 each), then n
	// 8-byte piece descriptors.
	const pcdSize = 8
	n := (len(plcPcd) - 4) / (4 + pcdSize)
	if n <= 0 {
		return nil
	}
	cpArraySize := (n + 1) * 4
	if cpArraySize+n*pcdSize > len(plcPcd) {
		return nil
	}

	pieces := make([]docPiece, 0, n)
	for i := 0; i < n; i++ {
		cpStart := binary.LittleEndian.Uint32(plcPcd[i*4:])
		cpEnd := binary.LittleEndian.Uint32(plcPcd[(i+1)*4:])

		// PCD: 2 flag bytes, 4-byte fc, 2-byte prm. Bit 30 of fc clear
		// means UTF-16; set means ANSI with fc doubled.
		pcd := plcPcd[cpArraySize+i*pcdSize:]
		fcRaw := binary.LittleEndian.Uint32(pcd[2:6])

		pieces = append(pieces, docPiece{
			chars:   cpEnd - cpStart,
			fc:      fcRaw & 0x3FFFFFFF,
			unicode: fcRaw&0x40000000 == 0,
		})
	}
	return pieces
}

// pcdtBody skips Prc property entries (type 0x01) in a CLX and returns
// the body of the Pcdt (type 0x02), or nil.
func pcdtBody(clx []byte) []byte {
	pos := 0
	for pos < len(clx) {
		switch clx[pos] {
		case 0x01:
			if pos+3 > len(clx) {
				return nil
			}
			cbGrpprl := int(binary.LittleEndian.Uint16(clx[pos+1 : pos+3]))
			pos += 3 + cbGrpprl
		case 0x02:
			pos++
			if pos+4 > len(clx) {
				return nil
			}
			lcb := int(binary.LittleEndian.Uint32(clx[pos : pos+4]))
			pos += 4
			if lcb < 12 || pos+lcb > len(clx) {
				return nil
			}
			return clx[pos : pos+lcb]
		default:
			return nil
		}
	}
	return nil
}

// appendPieceText decodes one piece's run of text into sb. Pieces whose
// offsets fall outside the stream are skipped.
func appendPieceText(sb *strings.Builder, wordDoc []byte, p docPiece) {
	if p.chars == 0 || p.chars > 1000000 {
		return
	}
	if p.unicode {
		end := p.fc + p.chars*2
		if int(end) > len(wordDoc) {
			return
		}
		raw := wordDoc[p.fc:end]
		u16s := make([]uint16, p.chars)
		for i := range u16s {
			u16s[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
		for _, r := range utf16.Decode(u16s) {
			writeDocRune(sb, r)
		}
		return
	}
	start := p.fc / 2
	if int(start+p.chars) > len(wordDoc) {
		return
	}
	for _, b := range wordDoc[start : start+p.chars] {
		writeDocRune(sb, rune(b))
	}
}

// writeDocRune maps Word control characters to text: paragraph and line
// breaks become newlines, cell markers become tabs, other control bytes
// are dropped.
func writeDocRune(sb *strings.Builder, r rune) {
	switch {
	case r == 0x0D || r == 0x0B:
		sb.WriteByte('\n')
	case r == 0x07:
		sb.WriteByte('\t')
	case r >= 0x20 || r == 0x09:
		sb.WriteRune(r)
	}
}

// extractDirectText scans for printable byte sequences. A best-effort
// fallback for documents whose piece table cannot be located.
func extractDirectText(wordDoc []byte) string {
	out := make([]byte, 0, len(wordDoc)/4)
	run := false
	for _, b := range wordDoc {
		switch {
		case b == 0x0D:
			out = append(out, '\n')
			run = true
		case (b >= 0x20 && b < 0x7F) || b == 0x0A || b == 0x09:
			out = append(out, b)
			run = true
		case run:
			if len(out) > 0 && out[len(out)-1] != '\n' {
				out = append(out, '\n')
			}
			run = false
		}
	}
	return string(out)
}

// fieldCodeMarkers are internal Word field markers that leak through
// piece table extraction.
var fieldCodeMarkers = []string{
	"PAGEREF",
	"HYPERLINK",
	"TOC \\h",
	"TOC \\o",
	"MERGEFORMAT",
	" \\h",
	"\\l \"",
}

// filterWordFieldCodes drops lines containing Word field codes.
func filterWordFieldCodes(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !isFieldCodeLine(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func isFieldCodeLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, pat := range fieldCodeMarkers {
		if strings.Contains(trimmed, pat) {
			return true
		}
	}
	return false
}
