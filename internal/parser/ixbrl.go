package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sinodata/fundreports/internal/model"
)

// UnwrapInlineXBRL extracts the embedded XBRL instance from an inline XBRL
// (XHTML) document and re-serializes it as a standalone UTF-8 XML document.
// An instance under <body> is preferred over one elsewhere. Returns nil with
// no error when the document carries no embedded instance. The input is never
// modified.
func UnwrapInlineXBRL(content []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	var (
		firstAny    []xml.Token
		firstInBody []xml.Token
		bodyDepth   int
	)

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "parser: decode inline document"))
		}

		switch v := tok.(type) {
		case xml.StartElement:
			if v.Name.Local == "body" {
				bodyDepth++
				continue
			}
			if v.Name.Local != "xbrl" {
				continue
			}
			captured, err := captureSubtree(dec, v)
			if err != nil {
				return nil, err
			}
			if bodyDepth > 0 && firstInBody == nil {
				firstInBody = captured
			} else if firstAny == nil {
				firstAny = captured
			}
			if firstInBody != nil {
				// The preferred instance is found; stop scanning.
				return serialize(firstInBody)
			}
		case xml.EndElement:
			if v.Name.Local == "body" && bodyDepth > 0 {
				bodyDepth--
			}
		}
	}

	if firstAny == nil {
		return nil, nil
	}
	return serialize(firstAny)
}

func captureSubtree(dec *xml.Decoder, start xml.StartElement) ([]xml.Token, error) {
	tokens := []xml.Token{xml.CopyToken(start)}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "parser: capture embedded instance"))
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
		tokens = append(tokens, xml.CopyToken(tok))
	}
	return tokens, nil
}

func serialize(tokens []xml.Token) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	for _, tok := range tokens {
		if err := enc.EncodeToken(tok); err != nil {
			return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "parser: serialize embedded instance"))
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "parser: flush embedded instance"))
	}
	return buf.Bytes(), nil
}
