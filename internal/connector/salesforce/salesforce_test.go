// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package salesforce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dashql/cli/internal/auth"
	"dashql/cli/internal/connector"
	cerrors "dashql/cli/internal/errors"
	"dashql/cli/internal/params"
	"dashql/cli/internal/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// fakeDataCloud serves both the core token endpoint and the tenant query API.
type fakeDataCloud struct {
	srv        *httptest.Server
	pages      []page
	expiresIn  any
	queryCode  atomic.Int32
	tokenCode  int
	subject    atomic.Value
	authHeader atomic.Value
	sql        atomic.Value
}

func newFakeDataCloud(t *testing.T, pages ...page) *fakeDataCloud {
	t.Helper()
	f := &fakeDataCloud{pages: pages, expiresIn: 3600.0, tokenCode: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc(TokenPath, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.subject.Store(r.PostForm.Get("subject_token"))
		if f.tokenCode != http.StatusOK {
			w.WriteHeader(f.tokenCode)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "dc-token",
			"instance_url": f.srv.URL,
			"token_type":   "Bearer",
			"expires_in":   f.expiresIn,
		})
	})
	mux.HandleFunc(QueryPath, func(w http.ResponseWriter, r *http.Request) {
		f.authHeader.Store(r.Header.Get("Authorization"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.sql.Store(body["sql"])
		f.writePage(w, 0)
	})
	mux.HandleFunc(QueryPath+"/", func(w http.ResponseWriter, r *http.Request) {
		var idx int
		_, _ = fmt.Sscanf(r.URL.Path[len(QueryPath)+1:], "batch-%d", &idx)
		f.writePage(w, idx)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDataCloud) writePage(w http.ResponseWriter, idx int) {
	if code := f.queryCode.Load(); code != 0 {
		w.WriteHeader(int(code))
		return
	}
	if idx >= len(f.pages) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	pg := f.pages[idx]
	if idx+1 < len(f.pages) {
		pg.NextBatchID = fmt.Sprintf("batch-%d", idx+1)
	} else {
		pg.Done = true
	}
	_ = json.NewEncoder(w).Encode(pg)
}

var metadata = map[string]columnMetadata{
	"name": {Type: "VARCHAR", PlaceInOrder: 1},
	"id":   {Type: "DECIMAL", PlaceInOrder: 0},
}

func sfParams(f *fakeDataCloud) params.Params {
	return params.Salesforce(params.SalesforceParams{InstanceURL: f.srv.URL, AccessToken: "core-token"})
}

func TestSalesforceStreamsPages(t *testing.T) {
	f := newFakeDataCloud(t,
		page{Metadata: metadata, Data: [][]any{{1.0, "a"}, {2.0, "b"}}},
		page{Metadata: metadata, Data: [][]any{{3.0, "c"}}},
	)
	c := New(connector.Deps{})

	var steps []string
	ch, err := c.Setup(context.Background(), "sf", sfParams(f), func(p connector.Progress) { steps = append(steps, p.Step) })
	require.NoError(t, err)
	assert.Equal(t, []string{"token-exchange", "ready"}, steps)
	assert.Equal(t, "core-token", f.subject.Load())

	s, err := c.ExecuteQuery(context.Background(), ch, query.Args{Query: "SELECT id, name FROM Account__dlm"})
	require.NoError(t, err)

	var rows [][]any
	require.NoError(t, s.Drain(func(b *query.Batch) error {
		assert.Equal(t, []string{"id", "name"}, b.ColumnNames())
		rows = append(rows, b.Rows...)
		return nil
	}))
	assert.Len(t, rows, 3)
	assert.Equal(t, 2, s.Batches())
	assert.Equal(t, "Bearer dc-token", f.authHeader.Load())
	assert.Equal(t, "SELECT id, name FROM Account__dlm", f.sql.Load())
	assert.True(t, ch.Alive())
}

func TestSalesforceUsesStoredToken(t *testing.T) {
	f := newFakeDataCloud(t, page{Metadata: metadata})
	tokens := auth.NewStatic()
	tokens.Set("sf", &oauth2.Token{AccessToken: "stored-core", Expiry: time.Now().Add(time.Hour)})
	c := New(connector.Deps{Tokens: tokens})

	p := params.Salesforce(params.SalesforceParams{InstanceURL: f.srv.URL})
	_, err := c.Setup(context.Background(), "sf", p, nil)
	require.NoError(t, err)
	assert.Equal(t, "stored-core", f.subject.Load())
}

func TestSalesforceMissingTokenFailsSetup(t *testing.T) {
	f := newFakeDataCloud(t)
	c := New(connector.Deps{Tokens: auth.NewStatic()})

	p := params.Salesforce(params.SalesforceParams{InstanceURL: f.srv.URL})
	_, err := c.Setup(context.Background(), "sf", p, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrSetupFailed)
	assert.ErrorIs(t, err, cerrors.ErrAuthExpired)
}

func TestSalesforceRejectedExchange(t *testing.T) {
	f := newFakeDataCloud(t)
	f.tokenCode = http.StatusUnauthorized
	c := New(connector.Deps{})

	_, err := c.Setup(context.Background(), "sf", sfParams(f), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrSetupFailed)
	assert.NotContains(t, err.Error(), "core-token")
}

func TestSalesforceUnauthorizedQueryKillsChannel(t *testing.T) {
	f := newFakeDataCloud(t, page{Metadata: metadata})
	c := New(connector.Deps{})
	ch, err := c.Setup(context.Background(), "sf", sfParams(f), nil)
	require.NoError(t, err)

	f.queryCode.Store(http.StatusUnauthorized)
	s, err := c.ExecuteQuery(context.Background(), ch, query.Args{Query: "select 1"})
	require.NoError(t, err)
	assert.False(t, s.Next())
	assert.Equal(t, query.StatusFailed, s.Status())
	assert.ErrorIs(t, s.Err(), cerrors.ErrAuthExpired)
	assert.False(t, ch.Alive())

	_, err = c.ExecuteQuery(context.Background(), ch, query.Args{Query: "select 1"})
	assert.ErrorIs(t, err, cerrors.ErrChannelNotReady)
}

func TestSalesforceServerErrorIsTransport(t *testing.T) {
	f := newFakeDataCloud(t, page{Metadata: metadata})
	c := New(connector.Deps{})
	ch, err := c.Setup(context.Background(), "sf", sfParams(f), nil)
	require.NoError(t, err)

	f.queryCode.Store(http.StatusBadGateway)
	s, err := c.ExecuteQuery(context.Background(), ch, query.Args{Query: "select 1"})
	require.NoError(t, err)
	assert.False(t, s.Next())
	assert.ErrorIs(t, s.Err(), cerrors.ErrTransport)
	assert.True(t, ch.Alive())
}

func TestSalesforceExpiredToken(t *testing.T) {
	f := newFakeDataCloud(t, page{Metadata: metadata})
	f.expiresIn = -1.0
	c := New(connector.Deps{})
	ch, err := c.Setup(context.Background(), "sf", sfParams(f), nil)
	require.NoError(t, err)

	sfch := ch.(*Channel)
	sfch.expiry = time.Now().Add(-time.Minute)

	s, err := c.ExecuteQuery(context.Background(), ch, query.Args{Query: "select 1"})
	require.NoError(t, err)
	assert.False(t, s.Next())
	assert.Equal(t, query.StatusFailed, s.Status())
	assert.ErrorIs(t, s.Err(), cerrors.ErrAuthExpired)
	assert.False(t, ch.Alive())
}

func TestSalesforceRejectsOtherParams(t *testing.T) {
	c := New(connector.Deps{})
	_, err := c.Setup(context.Background(), "sf", params.Demo(params.DefaultDemoParams()), nil)
	assert.ErrorIs(t, err, cerrors.ErrInvalidParams)
}

func TestColumnsOrderedByPlace(t *testing.T) {
	cols := columns(metadata)
	require.Len(t, cols, 2)
	assert.Equal(t, query.Column{Name: "id", Type: "DECIMAL"}, cols[0])
	assert.Equal(t, query.Column{Name: "name", Type: "VARCHAR"}, cols[1])
}
