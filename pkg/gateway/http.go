package gateway

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

const maxResponseBytes = 1 << 20

// HTTPClient calls a gateway endpoint with GET <url>?m=<message>&history=<json>.
// The reply is the "body" field of the JSON response, or the whole response when
// that field is absent.
type HTTPClient struct {
	endpoint     *url.URL
	client       *http.Client
	messageParam string
	historyParam string
}

var _ Completer = (*HTTPClient)(nil)

func NewHTTPClient(s Settings) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimSpace(s.URL))
	if err != nil {
		return nil, errors.Wrap(err, "parse gateway url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("gateway url %q must be http or https", s.URL)
	}
	mp, hp := s.MessageParam, s.HistoryParam
	if mp == "" {
		mp = "m"
	}
	if hp == "" {
		hp = "history"
	}
	return &HTTPClient{
		endpoint:     u,
		client:       &http.Client{Timeout: s.Timeout},
		messageParam: mp,
		historyParam: hp,
	}, nil
}

// RequestURL renders the request URL for one call. Query values are percent-encoded.
func (c *HTTPClient) RequestURL(userMessage string, turns []history.Turn) (string, error) {
	enc, err := history.EncodeTurns(turns)
	if err != nil {
		return "", err
	}
	u := *c.endpoint
	q := u.Query()
	q.Set(c.messageParam, userMessage)
	q.Set(c.historyParam, enc)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *HTTPClient) Complete(ctx context.Context, userMessage string, turns []history.Turn) (string, error) {
	if strings.TrimSpace(userMessage) == "" {
		return "", failed(ErrEmptyMessage, "complete")
	}
	target, err := c.RequestURL(userMessage, turns)
	if err != nil {
		return "", failed(err, "build request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", failed(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	log.Debug().Str("component", "gateway").Str("host", c.endpoint.Host).Int("history_turns", len(turns)).Msg("calling gateway")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", failed(err, "call gateway")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", failed(err, "read gateway response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", failed(nil, "gateway returned status %d", resp.StatusCode)
	}
	return ExtractReply(body)
}

// ExtractReply pulls the reply text out of a gateway response body. A string "body"
// field is returned verbatim, any other non-null "body" value as its JSON text, and
// a response without "body" as the whole response text.
func ExtractReply(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", failed(nil, "gateway response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return "", failed(nil, "gateway response is not a JSON object")
	}
	field := root.Get("body")
	switch {
	case !field.Exists():
		return strings.TrimSpace(root.Raw), nil
	case field.Type == gjson.Null:
		return "", failed(nil, "gateway response body is null")
	case field.Type == gjson.String:
		return field.String(), nil
	default:
		return field.Raw, nil
	}
}
