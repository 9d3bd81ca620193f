package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"quest/internal/domain"
)

const maxPageBytes = 2 << 20

// HTMLInspector fetches a page and reads its title.
type HTMLInspector struct {
	client *http.Client
}

func NewHTMLInspector(client *http.Client) *HTMLInspector {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTMLInspector{client: client}
}

func (i *HTMLInspector) Inspect(ctx context.Context, pageURL string) (domain.PageInfo, error) {
	parsed, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || parsed.Host == "" {
		return domain.PageInfo{}, domain.NewError(domain.ErrorKindInvalidInput, "invalid page url %q", pageURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return domain.PageInfo{}, domain.NewError(domain.ErrorKindUnsupported, "pages with scheme %q cannot be inspected", parsed.Scheme)
	}

	info := domain.PageInfo{URL: parsed.String()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return domain.PageInfo{}, domain.WrapError(domain.ErrorKindInvalidInput, err, "build page request")
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := i.client.Do(req)
	if err != nil {
		return info, domain.WrapError(domain.ErrorKindNetworkError, err, "fetch page")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return info, domain.NewError(domain.ErrorKindRemoteError, "page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(http.MaxBytesReader(nil, resp.Body, maxPageBytes))
	if err != nil {
		return info, domain.WrapError(domain.ErrorKindRemoteError, err, fmt.Sprintf("parse %s", info.URL))
	}

	title := strings.TrimSpace(doc.Find("head title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	}
	if title == "" {
		title = parsed.Host
	}
	info.Title = strings.Join(strings.Fields(title), " ")
	return info, nil
}
