// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package salesforce implements the Salesforce Data Cloud backend over its HTTP query API.
//
// Setup exchanges a core access token for a Data Cloud token at the instance's a360
// token endpoint. Queries are posted to the Data Cloud tenant; each response page is one
// batch and further pages are fetched through nextBatchId until the result is done.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"dashql/cli/internal/auth"
	"dashql/cli/internal/connector"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/logging"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"

	"golang.org/x/oauth2"
)

// API paths.
const (
	TokenPath = "/services/a360/token"
	QueryPath = "/api/v2/query"
)

const (
	grantType        = "urn:salesforce:grant-type:external:cdp"
	subjectTokenType = "urn:ietf:params:oauth:token-type:access_token"
)

// Connector is the Salesforce strategy.
type Connector struct {
	deps connector.Deps
}

// New creates the Salesforce connector.
func New(deps connector.Deps) *Connector {
	return &Connector{deps: deps.WithDefaults()}
}

func (c *Connector) Kind() params.Kind { return params.KindSalesforce }

// Setup exchanges the core token for a Data Cloud token and opens an authorized client.
func (c *Connector) Setup(ctx context.Context, connectionID string, p params.Params, dispatch connector.Dispatch) (connector.Channel, error) {
	if p.Kind != params.KindSalesforce {
		return nil, cerrors.New(cerrors.InvalidParams, fmt.Sprintf("salesforce connector cannot use %s params", p.Kind))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	sp := *p.Salesforce
	log := c.deps.Logger.With("connection", connectionID, "instance", sp.InstanceURL)

	core, err := c.coreToken(ctx, connectionID, sp)
	if err != nil {
		return nil, connector.SetupError(ctx, "salesforce credentials", err)
	}

	sctx, cancel := context.WithTimeout(ctx, c.deps.SetupTimeout)
	defer cancel()

	dispatch.Report("token-exchange", sp.InstanceURL)
	dc, err := c.exchange(sctx, sp, core)
	if err != nil {
		return nil, connector.SetupError(ctx, "data cloud token exchange", err)
	}

	base := context.WithValue(context.Background(), oauth2.HTTPClient, c.deps.HTTPClient)
	ch := &Channel{
		client:    oauth2.NewClient(base, oauth2.StaticTokenSource(dc.token)),
		baseURL:   dc.instanceURL,
		dataspace: sp.Dataspace,
		expiry:    dc.token.Expiry,
		logger:    log,
	}
	log.Debug("data cloud channel ready", "tenant", dc.instanceURL, "expires", dc.token.Expiry)
	dispatch.Report("ready", dc.instanceURL)
	return ch, nil
}

func (c *Connector) coreToken(ctx context.Context, connectionID string, sp params.SalesforceParams) (string, error) {
	if sp.AccessToken != "" {
		return sp.AccessToken, nil
	}
	if c.deps.Tokens == nil {
		return "", cerrors.New(cerrors.AuthExpired, "no access token available")
	}
	tok, err := c.deps.Tokens.Token(ctx, connectionID)
	if errors.Is(err, auth.ErrNoToken) {
		return "", cerrors.Wrap(cerrors.AuthExpired, "no access token stored, log in first", err)
	}
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

type dataCloudToken struct {
	token       *oauth2.Token
	instanceURL string
}

func (c *Connector) exchange(ctx context.Context, sp params.SalesforceParams, core string) (*dataCloudToken, error) {
	form := url.Values{
		"grant_type":         {grantType},
		"subject_token":      {core},
		"subject_token_type": {subjectTokenType},
	}
	if sp.Dataspace != "" {
		form.Set("dataspace", sp.Dataspace)
	}
	endpoint := strings.TrimRight(sp.InstanceURL, "/") + TokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.deps.HTTPClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err, "token exchange")
	}
	defer resp.Body.Close()
	if err := statusError(resp, "token exchange"); err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, cerrors.Wrap(cerrors.ProtocolError, "decode token response", err)
	}
	access := extractAccessToken(result)
	if access == "" {
		return nil, cerrors.New(cerrors.ProtocolError, "no access_token in token response")
	}
	instance, _ := result["instance_url"].(string)
	if instance == "" {
		return nil, cerrors.New(cerrors.ProtocolError, "no instance_url in token response")
	}
	if !strings.Contains(instance, "://") {
		instance = "https://" + instance
	}

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if secs := expiresIn(result["expires_in"]); secs > 0 {
		tok.Expiry = time.Now().Add(time.Duration(secs) * time.Second)
	} else if exp, ok := auth.TokenExpiry(access); ok {
		tok.Expiry = exp
	}
	return &dataCloudToken{token: tok, instanceURL: strings.TrimRight(instance, "/")}, nil
}

// extractAccessToken tries the field names token endpoints commonly use.
func extractAccessToken(result map[string]any) string {
	for _, k := range []string{"access_token", "accessToken", "token"} {
		if v, ok := result[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func expiresIn(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func (c *Connector) Reset(_ context.Context, ch connector.Channel, dispatch connector.Dispatch) error {
	return connector.Release(ch, dispatch)
}

func (c *Connector) ExecuteQuery(ctx context.Context, ch connector.Channel, args query.Args) (*query.Stream, error) {
	return connector.Execute(ctx, params.KindSalesforce, ch, args)
}

// Channel is an authorized Data Cloud session.
type Channel struct {
	client    *http.Client
	baseURL   string
	dataspace string
	expiry    time.Time
	logger    *slog.Logger

	closed atomic.Bool
	dead   atomic.Bool
}

// Alive reports whether the session can still be used. An expired token is detected by
// the next ExecuteQuery, which then reports AuthExpired.
func (ch *Channel) Alive() bool {
	return !ch.closed.Load() && !ch.dead.Load()
}

func (ch *Channel) expired() bool {
	return !ch.expiry.IsZero() && !time.Now().Before(ch.expiry)
}

func (ch *Channel) Close() error {
	if ch.closed.CompareAndSwap(false, true) {
		ch.client.CloseIdleConnections()
	}
	return nil
}

func (ch *Channel) ExecuteQuery(ctx context.Context, req connector.Request) (*query.Stream, error) {
	if !ch.Alive() {
		return nil, cerrors.New(cerrors.ChannelNotReady, "salesforce channel is closed")
	}
	if ch.expired() {
		ch.dead.Store(true)
		return connector.Rejected(ctx, cerrors.New(cerrors.AuthExpired, "data cloud token has expired"))
	}
	body := map[string]any{"sql": req.Query}
	if ch.dataspace != "" {
		body["dataspace"] = ch.dataspace
	}
	if req.Options.BatchSize > 0 {
		body["rowLimit"] = req.Options.BatchSize
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return connector.Rejected(ctx, cerrors.Wrap(cerrors.ProtocolError, "encode query", err))
	}
	ch.logger.Debug("data cloud query", "request", req.ID)
	src := &pageSource{ch: ch, requestID: req.ID, first: payload}
	return query.NewStream(ctx, src, req.StreamOptions()...), nil
}

// page is one response of the query API.
type page struct {
	Data        [][]any                   `json:"data"`
	Metadata    map[string]columnMetadata `json:"metadata"`
	Done        bool                      `json:"done"`
	NextBatchID string                    `json:"nextBatchId"`
}

type columnMetadata struct {
	Type         string `json:"type"`
	PlaceInOrder int    `json:"placeInOrder"`
}

// pageSource fetches result pages on demand.
type pageSource struct {
	ch        *Channel
	requestID string
	first     []byte
	next      string
	started   bool
	done      bool
	cols      []query.Column
}

func (s *pageSource) Next(ctx context.Context) (*query.Batch, error) {
	if s.done {
		return nil, io.EOF
	}
	var req *http.Request
	var err error
	if !s.started {
		s.started = true
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.ch.baseURL+QueryPath, bytes.NewReader(s.first))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, s.ch.baseURL+QueryPath+"/"+url.PathEscape(s.next), nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", s.requestID)

	resp, err := s.ch.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransport(err, "query")
	}
	defer resp.Body.Close()
	if err := statusError(resp, "query"); err != nil {
		if cerrors.IsKind(err, cerrors.AuthExpired) {
			s.ch.dead.Store(true)
		}
		return nil, err
	}

	var pg page
	if err := json.NewDecoder(resp.Body).Decode(&pg); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, cerrors.Wrap(cerrors.ProtocolError, "decode query page", err)
	}
	if s.cols == nil {
		s.cols = columns(pg.Metadata)
	}
	for _, row := range pg.Data {
		if len(row) != len(s.cols) {
			return nil, cerrors.New(cerrors.ProtocolError, "row width does not match the result metadata")
		}
	}
	s.next = pg.NextBatchID
	s.done = pg.Done || pg.NextBatchID == ""
	return &query.Batch{Columns: s.cols, Rows: pg.Data}, nil
}

func (s *pageSource) Close() error { return nil }

func columns(md map[string]columnMetadata) []query.Column {
	names := make([]string, 0, len(md))
	for name := range md {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := md[names[i]], md[names[j]]
		if a.PlaceInOrder != b.PlaceInOrder {
			return a.PlaceInOrder < b.PlaceInOrder
		}
		return names[i] < names[j]
	})
	cols := make([]query.Column, len(names))
	for i, n := range names {
		cols[i] = query.Column{Name: n, Type: md[n].Type}
	}
	return cols
}

// statusError maps a non-2xx response onto the taxonomy.
func statusError(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s failed: %d %s", op, resp.StatusCode, logging.Mask(strings.TrimSpace(string(b))))
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return cerrors.New(cerrors.AuthExpired, msg)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return cerrors.New(cerrors.TransportError, msg)
	}
	return cerrors.New(cerrors.ProtocolError, msg)
}

func classifyTransport(err error, op string) error {
	if errors.Is(err, context.Canceled) {
		return cerrors.Wrap(cerrors.Cancelled, op, err)
	}
	return cerrors.Wrap(cerrors.TransportError, op, err)
}

// Verify interface compliance.
var (
	_ connector.Connector = (*Connector)(nil)
	_ connector.Channel   = (*Channel)(nil)
)
