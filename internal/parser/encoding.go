package parser

import (
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/sinodata/fundreports/internal/model"
)

// DecodeToUTF8 normalizes artifact bytes to UTF-8. The charset is sniffed
// from the BOM or a meta declaration. Portal documents are served in GBK
// often enough that anything undeclared and failing UTF-8 validation runs
// through the GB18030 decoder (a superset of GBK).
func DecodeToUTF8(content []byte) ([]byte, error) {
	head := content
	if len(head) > 1024 {
		head = head[:1024]
	}

	enc, name, _ := charset.DetermineEncoding(head, "")
	switch name {
	case "utf-8":
		return content, nil
	case "gbk", "gb18030":
		enc = simplifiedchinese.GB18030
	default:
		// windows-1252 is the sniffer's fallback when nothing is declared.
		if utf8.Valid(content) {
			return content, nil
		}
		enc = simplifiedchinese.GB18030
	}

	decoded, _, err := transform.Bytes(enc.NewDecoder(), content)
	if err != nil {
		return nil, model.WrapKind(model.ErrKindFormat, eris.Wrap(err, "parser: decode GBK content"))
	}
	return decoded, nil
}
