package webreg

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://act.ucsd.edu/webreg2/svc/wradapter/secure"

	pathSearch    = "/search-load-group-data"
	pathKeepAlive = "/keep-alive"
	pathEnroll    = "/add-enroll"
)

// Client talks to the registration site's JSON adapter using the session
// cookie captured from an authenticated browser. One Client is shared by all
// jobs; the limiter caps the combined request rate.
type Client struct {
	hc      *resty.Client
	limiter *rate.Limiter
}

type Options struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("user-agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36").
		SetHeader("cache-control", "no-cache").
		SetHeader("accept", "application/json")
	return &Client{hc: hc, limiter: rate.NewLimiter(limit, opts.Burst)}
}

type sectionRow struct {
	SectionNumber string `json:"SECTION_NUMBER"`
	SectionCode   string `json:"SECT_CODE"`
	Available     int    `json:"AVAIL_SEAT"`
	Capacity      int    `json:"SCTN_CPCTY_QTY"`
	Enrolled      int    `json:"SCTN_ENRLT_QTY"`
	Waitlist      int    `json:"COUNT_ON_WAITLIST"`
}

type opsResponse struct {
	Ops    string `json:"OPS"`
	Reason string `json:"REASON"`
}

func (c *Client) CheckAvailability(ctx context.Context, term string, ref SectionRef, token string) (SeatCount, error) {
	resp, err := c.do(ctx, token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"subjcode": ref.Department,
			"crsecode": ref.CourseCode,
			"termcode": term,
		}).Get(pathSearch)
	})
	if err != nil {
		return SeatCount{}, errors.Wrapf(err, "check %s", ref)
	}
	var rows []sectionRow
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return SeatCount{}, errors.Mark(errors.Wrapf(err, "decode sections for %s", ref), ErrTransport)
	}
	for _, row := range rows {
		if strings.EqualFold(strings.TrimSpace(row.SectionCode), ref.Section) {
			return SeatCount{
				SectionID: row.SectionNumber,
				Section:   row.SectionCode,
				Available: row.Available,
				Total:     row.Capacity,
				Enrolled:  row.Enrolled,
				Waitlist:  row.Waitlist,
			}, nil
		}
	}
	return SeatCount{}, errors.Wrapf(ErrNotFound, "%s", ref)
}

// RefreshSession pings the keep-alive endpoint and returns the session
// cookie with any cookies the server rotated merged in.
func (c *Client) RefreshSession(ctx context.Context, token string) (string, error) {
	resp, err := c.do(ctx, token, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(pathKeepAlive)
	})
	if err != nil {
		return "", errors.Wrap(err, "refresh session")
	}
	return mergeCookies(token, resp.Cookies()), nil
}

func (c *Client) Enroll(ctx context.Context, term string, ref SectionRef, token string) error {
	if ref.ID == "" {
		return errors.Newf("enroll %s: section id not resolved", ref)
	}
	resp, err := c.do(ctx, token, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormData(map[string]string{
			"section":  ref.ID,
			"subjcode": ref.Department,
			"crsecode": ref.CourseCode,
			"termcode": term,
			"grade":    "L",
		}).Post(pathEnroll)
	})
	if err != nil {
		return errors.Wrapf(err, "enroll %s", ref)
	}
	var ops opsResponse
	if err := json.Unmarshal(resp.Body(), &ops); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode enroll response for %s", ref), ErrTransport)
	}
	if strings.EqualFold(ops.Ops, "SUCCESS") {
		return nil
	}
	return &RejectionError{Reason: classifyReason(ops.Reason), Message: strings.TrimSpace(ops.Reason)}
}

func (c *Client) do(ctx context.Context, token string, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "rate limiter"), ErrTransport)
	}
	req := c.hc.R().SetContext(ctx).SetHeader("cookie", token)
	resp, err := send(req)
	if err != nil {
		return nil, errors.Mark(err, ErrTransport)
	}
	switch status := resp.StatusCode(); {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, errors.WithDetailf(ErrAuth, "status=%d", status)
	case status == http.StatusNotFound:
		return nil, errors.WithDetailf(ErrNotFound, "status=%d", status)
	case status == http.StatusTooManyRequests:
		return nil, errors.WithDetailf(ErrRateLimited, "status=%d", status)
	case status >= 500:
		return nil, errors.Mark(errors.Newf("server error (status=%d)", status), ErrTransport)
	case status >= 400:
		return nil, errors.Newf("unexpected response (status=%d)", status)
	}
	// An expired session is answered with the SSO login page rather than a 401.
	if strings.Contains(strings.ToLower(resp.Header().Get("content-type")), "text/html") {
		return nil, errors.WithDetail(ErrAuth, "redirected to login page")
	}
	return resp, nil
}

func mergeCookies(token string, rotated []*http.Cookie) string {
	if len(rotated) == 0 {
		return token
	}
	jar := map[string]string{}
	var order []string
	for _, part := range strings.Split(token, ";") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok || name == "" {
			continue
		}
		if _, seen := jar[name]; !seen {
			order = append(order, name)
		}
		jar[name] = value
	}
	var added []string
	for _, ck := range rotated {
		if _, seen := jar[ck.Name]; !seen {
			added = append(added, ck.Name)
		}
		jar[ck.Name] = ck.Value
	}
	sort.Strings(added)
	order = append(order, added...)

	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, name+"="+jar[name])
	}
	return strings.Join(parts, "; ")
}
