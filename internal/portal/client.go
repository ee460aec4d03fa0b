// Package portal implements the disclosure portal's search protocol and
// download URL resolution.
package portal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/resilience"
	"github.com/sinodata/fundreports/internal/search"
)

// DefaultUserAgent is sent on every portal request. The portal rejects
// requests without a browser-like agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const snippetLen = 256

// Options configures the portal client.
type Options struct {
	SearchURL   string
	InstanceURL string
	UserAgent   string
	// MinInterval is the minimum spacing between portal requests.
	MinInterval time.Duration
	Timeout     time.Duration
	// BreakerFailures opens the circuit after this many consecutive
	// transient failures. Default 5.
	BreakerFailures int
	HTTPClient      *http.Client
}

// Client is a rate-limited, circuit-broken client for the portal's
// DataTables search endpoint.
type Client struct {
	http        *http.Client
	searchURL   string
	instanceURL string
	userAgent   string
	limiter     *rate.Limiter
	breaker     *resilience.Breaker
}

// Page is one page of search results.
type Page struct {
	Refs         []model.ReportRef
	TotalRecords int
	HasNext      bool
}

// NewClient creates a portal client from options, filling defaults.
func NewClient(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = 5
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		http:        httpClient,
		searchURL:   opts.SearchURL,
		instanceURL: opts.InstanceURL,
		userAgent:   opts.UserAgent,
		limiter:     rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		breaker:     resilience.NewBreaker("portal", opts.BreakerFailures, 30*time.Second),
	}
}

// portalRow is one aaData entry. The portal is loose about numeric vs string
// ids, so they decode through json.Number.
type portalRow struct {
	UploadInfoID   json.Number `json:"uploadInfoId"`
	FundCode       string      `json:"fundCode"`
	FundShortName  string      `json:"fundShortName"`
	OrganName      string      `json:"organName"`
	ReportSendDate string      `json:"reportSendDate"`
	ReportDesp     string      `json:"reportDesp"`
}

type portalResponse struct {
	ITotalRecords int         `json:"iTotalRecords"`
	AaData        []portalRow `json:"aaData"`
}

var sendDateLayouts = []string{"2006-01-02", "2006-01-02 15:04:05"}

func parseSendDate(s string) time.Time {
	for _, layout := range sendDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ListReports runs one search page against the portal. The criteria must
// already be validated.
func (c *Client) ListReports(ctx context.Context, criteria *search.Criteria) (*Page, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, model.WrapKind(model.ErrKindCancelled, eris.Wrap(err, "portal: rate limiter wait"))
	}

	reqURL, err := url.Parse(c.searchURL)
	if err != nil {
		return nil, model.WrapKind(model.ErrKindValidation, eris.Wrapf(err, "portal: parse search url %q", c.searchURL))
	}
	q := reqURL.Query()
	q.Set("aoData", string(criteria.AoData()))
	q.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))
	reqURL.RawQuery = q.Encode()

	var page *Page
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		var doErr error
		page, doErr = c.fetchPage(ctx, reqURL.String(), criteria)
		return doErr
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (c *Client) fetchPage(ctx context.Context, rawURL string, criteria *search.Criteria) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "portal: create search request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, text/javascript, */*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.WrapKind(model.ErrKindNetwork, eris.Wrap(err, "portal: search request"))
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, model.WrapKind(model.ErrKindNetwork, eris.Wrap(err, "portal: read search response"))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.WrapKind(model.ErrKindPortal,
			&model.PortalError{Status: resp.StatusCode, Snippet: snippet(body)})
	}

	var parsed portalResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// The portal answers throttled requests with an HTML page and
		// status 200, so a decode failure is treated like a portal fault.
		return nil, model.WrapKind(model.ErrKindPortal,
			&model.PortalError{Status: resp.StatusCode, Snippet: snippet(body)})
	}

	refs := make([]model.ReportRef, 0, len(parsed.AaData))
	for _, row := range parsed.AaData {
		id := row.UploadInfoID.String()
		if id == "" {
			zap.L().Debug("portal: skipping row without uploadInfoId",
				zap.String("fund_code", row.FundCode))
			continue
		}
		refs = append(refs, model.ReportRef{
			UploadInfoID:     id,
			FundCode:         row.FundCode,
			FundShortName:    row.FundShortName,
			OrganizationName: row.OrganName,
			ReportSendDate:   parseSendDate(row.ReportSendDate),
			ReportDesc:       row.ReportDesp,
		})
	}

	return &Page{
		Refs:         refs,
		TotalRecords: parsed.ITotalRecords,
		HasNext:      criteria.Page*criteria.PageSize < parsed.ITotalRecords,
	}, nil
}

// SearchAll walks result pages from criteria.Page until the portal reports no
// further rows or maxPages pages have been fetched. maxPages <= 0 means no cap.
func (c *Client) SearchAll(ctx context.Context, criteria *search.Criteria, maxPages int) ([]model.ReportRef, error) {
	cur := *criteria
	if cur.Page < 1 {
		cur.Page = 1
	}

	var all []model.ReportRef
	for fetched := 0; ; fetched++ {
		if maxPages > 0 && fetched >= maxPages {
			zap.L().Warn("portal: page cap reached before exhausting results",
				zap.Int("max_pages", maxPages),
				zap.Int("collected", len(all)))
			break
		}

		page, err := c.ListReports(ctx, &cur)
		if err != nil {
			return all, err
		}
		all = append(all, page.Refs...)

		if !page.HasNext || len(page.Refs) == 0 {
			break
		}
		cur.Page++
	}
	return all, nil
}

// ResolveDownloadURL returns the artifact URL for an upload id. The portal's
// instance view endpoint serves the raw disclosure document.
func (c *Client) ResolveDownloadURL(uploadInfoID string) (string, error) {
	if uploadInfoID == "" {
		return "", model.WrapKind(model.ErrKindValidation, eris.New("portal: empty upload_info_id"))
	}
	u, err := url.Parse(c.instanceURL)
	if err != nil {
		return "", model.WrapKind(model.ErrKindValidation, eris.Wrapf(err, "portal: parse instance url %q", c.instanceURL))
	}
	q := u.Query()
	q.Set("instanceid", uploadInfoID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func snippet(body []byte) string {
	if len(body) > snippetLen {
		body = body[:snippetLen]
	}
	return string(body)
}
