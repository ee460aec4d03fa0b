// Package taxonomy loads XBRL taxonomy schemas and Chinese label linkbases so
// the parser can resolve concept ids to human-readable labels.
package taxonomy

import (
	"encoding/xml"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Concept is one element declaration from a taxonomy schema.
type Concept struct {
	ID                string
	Name              string
	Type              string
	SubstitutionGroup string
	Abstract          bool
	// Label is the Chinese standard label when the linkbase carries one.
	Label string
}

// Taxonomy is an in-memory index of a taxonomy version's concepts.
type Taxonomy struct {
	Version  string
	all      []*Concept
	concepts map[string]*Concept
}

// Get returns the concept with the given id, matching either the full id or
// its local part after the namespace prefix.
func (t *Taxonomy) Get(id string) (*Concept, bool) {
	if c, ok := t.concepts[id]; ok {
		return c, true
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		if c, ok := t.concepts[id[i+1:]]; ok {
			return c, true
		}
	}
	return nil, false
}

// SearchByLabel returns concepts whose label contains the given substring.
func (t *Taxonomy) SearchByLabel(substr string) []*Concept {
	var out []*Concept
	for _, c := range t.all {
		if c.Label != "" && strings.Contains(c.Label, substr) {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of loaded concepts.
func (t *Taxonomy) Len() int {
	return len(t.all)
}

// Load reads every *.xsd schema and *_lab.xml label linkbase under dir
// (recursively) into one Taxonomy.
func Load(version, dir string) (*Taxonomy, error) {
	tx := &Taxonomy{Version: version, concepts: make(map[string]*Concept)}

	var schemas, linkbases []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(path, ".xsd"):
			schemas = append(schemas, path)
		case strings.HasSuffix(path, "_lab.xml"):
			linkbases = append(linkbases, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: walk %s", dir)
	}

	for _, path := range schemas {
		if err := tx.loadSchema(path); err != nil {
			return nil, err
		}
	}
	for _, path := range linkbases {
		if err := tx.loadLabels(path); err != nil {
			return nil, err
		}
	}

	zap.L().Info("taxonomy loaded",
		zap.String("version", version),
		zap.Int("concepts", tx.Len()),
		zap.Int("schemas", len(schemas)),
		zap.Int("label_linkbases", len(linkbases)),
	)
	return tx, nil
}

func (t *Taxonomy) loadSchema(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "taxonomy: open schema %s", path)
	}
	defer f.Close() //nolint:errcheck

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return eris.Wrapf(err, "taxonomy: parse schema %s", path)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "element" {
			continue
		}

		c := &Concept{}
		for _, a := range se.Attr {
			switch a.Name.Local {
			case "id":
				c.ID = a.Value
			case "name":
				c.Name = a.Value
			case "type":
				c.Type = a.Value
			case "substitutionGroup":
				c.SubstitutionGroup = a.Value
			case "abstract":
				c.Abstract = a.Value == "true"
			}
		}
		if c.ID == "" && c.Name == "" {
			continue
		}
		t.all = append(t.all, c)
		if c.ID != "" {
			t.concepts[c.ID] = c
		}
		if c.Name != "" && c.Name != c.ID {
			if _, exists := t.concepts[c.Name]; !exists {
				t.concepts[c.Name] = c
			}
		}
	}
	return nil
}

// loadLabels resolves the loc -> labelArc -> label chain of one linkbase and
// attaches Chinese labels to the matching concepts.
func (t *Taxonomy) loadLabels(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "taxonomy: open linkbase %s", path)
	}
	defer f.Close() //nolint:errcheck

	// locLabel -> concept id (from the href fragment)
	locs := make(map[string]string)
	// labelLabel -> label text
	texts := make(map[string]string)
	// locLabel -> labelLabel
	arcs := make(map[string]string)

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return eris.Wrapf(err, "taxonomy: parse linkbase %s", path)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "loc":
			var href, label string
			for _, a := range se.Attr {
				switch a.Name.Local {
				case "href":
					href = a.Value
				case "label":
					label = a.Value
				}
			}
			if i := strings.IndexByte(href, '#'); i >= 0 && label != "" {
				locs[label] = href[i+1:]
			}
		case "label":
			var label, lang string
			for _, a := range se.Attr {
				switch a.Name.Local {
				case "label":
					label = a.Value
				case "lang":
					lang = a.Value
				}
			}
			if lang != "" && !strings.Contains(strings.ToLower(lang), "zh") {
				dec.Skip() //nolint:errcheck
				continue
			}
			var text string
			if err := readCharData(dec, &text); err != nil {
				return eris.Wrapf(err, "taxonomy: read label in %s", path)
			}
			if label != "" && text != "" {
				texts[label] = text
			}
		case "labelArc":
			var from, to string
			for _, a := range se.Attr {
				switch a.Name.Local {
				case "from":
					from = a.Value
				case "to":
					to = a.Value
				}
			}
			if from != "" && to != "" {
				arcs[from] = to
			}
		}
	}

	for locLabel, conceptID := range locs {
		text, ok := texts[arcs[locLabel]]
		if !ok {
			continue
		}
		if c, found := t.Get(conceptID); found {
			c.Label = text
		}
	}
	return nil
}

// readCharData collects character data up to the element's end tag.
func readCharData(dec *xml.Decoder, out *string) error {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
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
	*out = strings.TrimSpace(sb.String())
	return nil
}

// VersionFromSchemaRef maps a schemaRef href to a taxonomy version. The
// portal's fund taxonomies all resolve to csrc_v2.1.
func VersionFromSchemaRef(href string) string {
	lower := strings.ToLower(href)
	for _, marker := range []string{"csrc-mf-general", "csrc-fund", "csrc-mf"} {
		if strings.Contains(lower, marker) {
			return "csrc_v2.1"
		}
	}
	return "default"
}
