// Package xbrl parses XBRL instance documents into facts, contexts, and units.
package xbrl

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sinodata/fundreports/internal/model"
)

// Context is one reporting context of an instance document.
type Context struct {
	ID           string
	EntityID     string
	EntityScheme string
	Instant      time.Time
	PeriodStart  time.Time
	PeriodEnd    time.Time
	// Dimensions maps explicit dimension qnames to member values.
	Dimensions map[string]string
}

// Unit is a measurement unit declaration.
type Unit struct {
	ID      string
	Measure string
}

// Fact is one reported value. Concept holds the element's local name; the
// namespace prefix varies per filer and is not significant for mapping.
type Fact struct {
	Concept    string
	ContextRef string
	UnitRef    string
	Decimals   string
	Value      string
}

// Document is a parsed XBRL instance.
type Document struct {
	SchemaRefs []string
	Contexts   map[string]*Context
	Units      map[string]*Unit
	Facts      []Fact
}

// Context returns the context a fact refers to, if present.
func (d *Document) Context(f Fact) (*Context, bool) {
	c, ok := d.Contexts[f.ContextRef]
	return c, ok
}

// PeriodEndDate returns the context's period end or instant date.
func (c *Context) PeriodEndDate() time.Time {
	if !c.Instant.IsZero() {
		return c.Instant
	}
	return c.PeriodEnd
}

const dateLayout = "2006-01-02"

// Parse reads an XBRL instance document. Any element carrying a contextRef
// attribute is treated as a fact.
func Parse(r io.Reader) (*Document, error) {
	doc := &Document{
		Contexts: make(map[string]*Context),
		Units:    make(map[string]*Unit),
	}

	dec := xml.NewDecoder(r)
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "xbrl: decode instance"))
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true

		switch se.Name.Local {
		case "schemaRef":
			if href := attr(se, "href"); href != "" {
				doc.SchemaRefs = append(doc.SchemaRefs, href)
			}
		case "context":
			ctx, err := parseContext(dec, se)
			if err != nil {
				return nil, err
			}
			if ctx.ID != "" {
				doc.Contexts[ctx.ID] = ctx
			}
		case "unit":
			unit, err := parseUnit(dec, se)
			if err != nil {
				return nil, err
			}
			if unit.ID != "" {
				doc.Units[unit.ID] = unit
			}
		default:
			if ref := attr(se, "contextRef"); ref != "" {
				value, err := collectText(dec)
				if err != nil {
					return nil, err
				}
				doc.Facts = append(doc.Facts, Fact{
					Concept:    se.Name.Local,
					ContextRef: ref,
					UnitRef:    attr(se, "unitRef"),
					Decimals:   attr(se, "decimals"),
					Value:      strings.TrimSpace(value),
				})
			}
		}
	}

	if !sawRoot {
		return nil, model.WrapKind(model.ErrKindParse, eris.New("xbrl: empty document"))
	}
	return doc, nil
}

func parseContext(dec *xml.Decoder, start xml.StartElement) (*Context, error) {
	ctx := &Context{ID: attr(start, "id")}

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "xbrl: decode context"))
		}
		switch v := tok.(type) {
		case xml.EndElement:
			depth--
		case xml.StartElement:
			depth++
			switch v.Name.Local {
			case "identifier":
				ctx.EntityScheme = attr(v, "scheme")
				text, err := collectText(dec)
				if err != nil {
					return nil, err
				}
				ctx.EntityID = strings.TrimSpace(text)
				depth--
			case "instant":
				t, err := readDate(dec)
				if err != nil {
					return nil, err
				}
				ctx.Instant = t
				depth--
			case "startDate", "startdate":
				t, err := readDate(dec)
				if err != nil {
					return nil, err
				}
				ctx.PeriodStart = t
				depth--
			case "endDate", "enddate":
				t, err := readDate(dec)
				if err != nil {
					return nil, err
				}
				ctx.PeriodEnd = t
				depth--
			case "explicitMember":
				dim := attr(v, "dimension")
				text, err := collectText(dec)
				if err != nil {
					return nil, err
				}
				if dim != "" {
					if ctx.Dimensions == nil {
						ctx.Dimensions = make(map[string]string)
					}
					ctx.Dimensions[dim] = strings.TrimSpace(text)
				}
				depth--
			}
		}
	}
	return ctx, nil
}

func parseUnit(dec *xml.Decoder, start xml.StartElement) (*Unit, error) {
	unit := &Unit{ID: attr(start, "id")}

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, model.WrapKind(model.ErrKindParse, eris.Wrap(err, "xbrl: decode unit"))
		}
		switch v := tok.(type) {
		case xml.EndElement:
			depth--
		case xml.StartElement:
			depth++
			if v.Name.Local == "measure" && unit.Measure == "" {
				text, err := collectText(dec)
				if err != nil {
					return nil, err
				}
				unit.Measure = strings.TrimSpace(text)
				depth--
			}
		}
	}
	return unit, nil
}

// collectText gathers character data until the current element closes.
func collectText(dec *xml.Decoder) (string, error) {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", model.WrapKind(model.ErrKindParse, eris.Wrap(err, "xbrl: read element text"))
		}
		switch v := tok.(type) {
		case xml.CharData:
			sb.Write(v)
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return sb.String(), nil
}

func readDate(dec *xml.Decoder) (time.Time, error) {
	text, err := collectText(dec)
	if err != nil {
		return time.Time{}, err
	}
	text = strings.TrimSpace(text)
	t, err := time.Parse(dateLayout, text)
	if err != nil {
		return time.Time{}, model.WrapKind(model.ErrKindParse, eris.Errorf("xbrl: bad period date %q", text))
	}
	return t, nil
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
