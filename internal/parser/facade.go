package parser

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/parser/xbrl"
	"github.com/sinodata/fundreports/internal/taxonomy"
)

// Attempt records one extractor try during a parse.
type Attempt struct {
	Parser model.ParserKind `json:"parser"`
	Error  string           `json:"error,omitempty"`
}

// Result is the outcome of running the extraction chain on one artifact.
type Result struct {
	Report    *model.ParsedFundReport `json:"report"`
	Detection Detection               `json:"detection"`
	Attempts  []Attempt               `json:"attempts"`
}

// EngineOptions configures the parse engine.
type EngineOptions struct {
	Mappings       map[string]*taxonomy.MappingConfig
	Taxonomies     *taxonomy.Cache
	DefaultVersion string
	// LLM is the optional last-resort extractor; nil disables it.
	LLM *LLMExtractor
}

// Engine runs format detection and the extractor chain: inline XBRL unwrap,
// native XBRL, heuristic HTML, then the model-backed extractor.
type Engine struct {
	mappings       map[string]*taxonomy.MappingConfig
	taxonomies     *taxonomy.Cache
	defaultVersion string
	llm            *LLMExtractor
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOptions) *Engine {
	if opts.DefaultVersion == "" {
		opts.DefaultVersion = "default"
	}
	return &Engine{
		mappings:       opts.Mappings,
		taxonomies:     opts.Taxonomies,
		defaultVersion: opts.DefaultVersion,
		llm:            opts.LLM,
	}
}

// ParseFile parses the artifact at path.
func (e *Engine) ParseFile(ctx context.Context, path string, ref model.ReportRef) (*Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapKind(model.ErrKindIO, eris.Wrapf(err, "parser: read artifact %s", path))
	}
	return e.Parse(ctx, content, filepath.Base(path), ref)
}

// Parse runs the extraction chain over raw artifact bytes. Extractors are
// ordered by the detected format; the first success wins and later failures
// fall through to the next candidate. When every extractor fails the Result
// is still returned, with Attempts recording each try in order.
func (e *Engine) Parse(ctx context.Context, content []byte, filename string, ref model.ReportRef) (*Result, error) {
	utf8Content, err := DecodeToUTF8(content)
	if err != nil {
		utf8Content = content
	}

	det := Detect(utf8Content, filename)
	result := &Result{Detection: det}

	zap.L().Debug("artifact format detected",
		zap.String("upload_info_id", ref.UploadInfoID),
		zap.String("format", string(det.Format)),
		zap.Float64("confidence", det.Confidence),
	)

	for _, kind := range chainFor(det.Format) {
		if ctx.Err() != nil {
			return result, model.WrapKind(model.ErrKindCancelled, ctx.Err())
		}

		report, err := e.runExtractor(ctx, kind, utf8Content, ref)
		if err != nil {
			result.Attempts = append(result.Attempts, Attempt{Parser: kind, Error: err.Error()})
			zap.L().Debug("extractor failed, trying next",
				zap.String("upload_info_id", ref.UploadInfoID),
				zap.String("parser", string(kind)),
				zap.Error(err),
			)
			continue
		}
		result.Attempts = append(result.Attempts, Attempt{Parser: kind})
		result.Report = report
		return result, nil
	}

	// The failed result still carries the ordered attempt ledger so callers
	// can record which extractors ran.
	kind := model.ErrKindParse
	if det.Format == FormatUnknown {
		kind = model.ErrKindFormat
	}
	return result, model.WrapKind(kind,
		eris.Errorf("parser: no extractor produced a report for %s (tried %d)", filename, len(result.Attempts)))
}

// chainFor orders extractor candidates by detected format.
func chainFor(f Format) []model.ParserKind {
	switch f {
	case FormatIXBRL:
		return []model.ParserKind{model.ParserKindIXBRL, model.ParserKindXBRL, model.ParserKindHTML, model.ParserKindLLM}
	case FormatXBRL:
		return []model.ParserKind{model.ParserKindXBRL, model.ParserKindIXBRL, model.ParserKindHTML, model.ParserKindLLM}
	case FormatHTML:
		return []model.ParserKind{model.ParserKindIXBRL, model.ParserKindHTML, model.ParserKindLLM}
	default:
		return []model.ParserKind{model.ParserKindIXBRL, model.ParserKindXBRL, model.ParserKindHTML, model.ParserKindLLM}
	}
}

func (e *Engine) runExtractor(ctx context.Context, kind model.ParserKind, content []byte, ref model.ReportRef) (*model.ParsedFundReport, error) {
	switch kind {
	case model.ParserKindIXBRL:
		unwrapped, err := UnwrapInlineXBRL(content)
		if err != nil {
			return nil, err
		}
		if unwrapped == nil {
			return nil, eris.New("parser: no embedded instance")
		}
		return e.parseXBRL(unwrapped, ref, model.ParserKindIXBRL)
	case model.ParserKindXBRL:
		return e.parseXBRL(content, ref, model.ParserKindXBRL)
	case model.ParserKindHTML:
		return ParseHTML(content, ref)
	case model.ParserKindLLM:
		if e.llm == nil {
			return nil, eris.New("parser: llm extractor disabled")
		}
		return e.llm.Extract(ctx, content, ref)
	default:
		return nil, eris.Errorf("parser: unknown extractor %q", kind)
	}
}

func (e *Engine) parseXBRL(content []byte, ref model.ReportRef, kind model.ParserKind) (*model.ParsedFundReport, error) {
	doc, err := xbrl.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}

	version := e.defaultVersion
	if len(doc.SchemaRefs) > 0 {
		version = taxonomy.VersionFromSchemaRef(doc.SchemaRefs[0])
	}

	mapping, ok := e.mappings[version]
	if !ok {
		mapping, ok = e.mappings[e.defaultVersion]
		if !ok {
			return nil, eris.Errorf("parser: no concept mapping for version %q", version)
		}
	}

	var tax *taxonomy.Taxonomy
	if e.taxonomies != nil {
		if loaded, err := e.taxonomies.Get(version); err == nil {
			tax = loaded
		} else {
			zap.L().Warn("taxonomy unavailable, labels will fall back to local names",
				zap.String("version", version),
				zap.Error(err),
			)
		}
	}

	report, err := NewMapper(mapping, tax).Map(doc, ref, kind)
	if err != nil {
		return nil, err
	}
	if report.TaxonomyVersion == "" {
		report.TaxonomyVersion = version
	}
	return report, nil
}
