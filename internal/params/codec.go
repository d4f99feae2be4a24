// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package params

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	cerrors "dashql/cli/internal/errors"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

// fieldKind is the tag of the wire union. The variant body lives under the kind's name.
const fieldKind = "kind"

// Encode converts params into the persisted wire form:
//
//	{"kind": "trino", "trino": {"endpoint": "...", "user": "...", ...}}
//
// Secret fields are never written. Demo counts are written as decimal strings so that
// values beyond the exact range of a float64 survive.
func Encode(p Params) (*structpb.Struct, error) {
	if err := p.checkVariant(); err != nil {
		return nil, err
	}
	var body map[string]any
	switch p.Kind {
	case KindDemo:
		body = map[string]any{
			"batches":        strconv.Itoa(p.Demo.Batches),
			"rows_per_batch": strconv.Itoa(p.Demo.RowsPerBatch),
			"interval":       p.Demo.Interval.String(),
		}
	case KindHyper:
		body = map[string]any{
			"endpoint": p.Hyper.Endpoint,
			"tls":      p.Hyper.TLS,
		}
		if len(p.Hyper.Databases) > 0 {
			dbs := make([]any, len(p.Hyper.Databases))
			for i, db := range p.Hyper.Databases {
				dbs[i] = db
			}
			body["databases"] = dbs
		}
		if len(p.Hyper.Metadata) > 0 {
			md := make(map[string]any, len(p.Hyper.Metadata))
			for k, v := range p.Hyper.Metadata {
				md[k] = v
			}
			body["metadata"] = md
		}
	case KindSalesforce:
		body = map[string]any{
			"instance_url": p.Salesforce.InstanceURL,
			"client_id":    p.Salesforce.ClientID,
			"username":     p.Salesforce.Username,
			"dataspace":    p.Salesforce.Dataspace,
		}
	case KindTrino:
		body = map[string]any{
			"endpoint": p.Trino.Endpoint,
			"user":     p.Trino.User,
			"catalog":  p.Trino.Catalog,
			"schema":   p.Trino.Schema,
			"source":   p.Trino.Source,
		}
	case KindServerless:
		body = map[string]any{
			"database":  p.Serverless.Database,
			"read_only": p.Serverless.ReadOnly,
		}
	}
	s, err := structpb.NewStruct(map[string]any{
		fieldKind:      string(p.Kind),
		string(p.Kind): body,
	})
	if err != nil {
		return nil, cerrors.Wrap(cerrors.InvalidParams, "encode params", err)
	}
	return s, nil
}

// Decode reconstructs params from the wire form. Secret fields come back empty and
// callers must re-authenticate. A demo variant without fields decodes to the defaults.
func Decode(s *structpb.Struct) (Params, error) {
	if s == nil {
		return Params{}, cerrors.New(cerrors.InvalidParams, "empty params")
	}
	kind, err := ParseKind(s.GetFields()[fieldKind].GetStringValue())
	if err != nil {
		return Params{}, err
	}
	r := &reader{kind: kind, fields: s.GetFields()[string(kind)].GetStructValue().GetFields()}

	var p Params
	switch kind {
	case KindDemo:
		d := DefaultDemoParams()
		d.Batches = r.integer("batches", d.Batches)
		d.RowsPerBatch = r.integer("rows_per_batch", d.RowsPerBatch)
		d.Interval = r.duration("interval", d.Interval)
		p = Demo(d)
	case KindHyper:
		p = Hyper(HyperParams{
			Endpoint:  r.str("endpoint"),
			TLS:       r.boolean("tls"),
			Databases: r.strings("databases"),
			Metadata:  r.stringMap("metadata"),
		})
	case KindSalesforce:
		p = Salesforce(SalesforceParams{
			InstanceURL: r.str("instance_url"),
			ClientID:    r.str("client_id"),
			Username:    r.str("username"),
			Dataspace:   r.str("dataspace"),
		})
	case KindTrino:
		p = Trino(TrinoParams{
			Endpoint: r.str("endpoint"),
			User:     r.str("user"),
			Catalog:  r.str("catalog"),
			Schema:   r.str("schema"),
			Source:   r.str("source"),
		})
	case KindServerless:
		p = Serverless(ServerlessParams{
			Database: r.str("database"),
			ReadOnly: r.boolean("read_only"),
		})
	}
	if r.err != nil {
		return Params{}, r.err
	}
	return p, nil
}

// Marshal encodes params as deterministic protobuf bytes.
func Marshal(p Params) ([]byte, error) {
	s, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

// Unmarshal decodes protobuf bytes produced by Marshal.
func Unmarshal(b []byte) (Params, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return Params{}, cerrors.Wrap(cerrors.InvalidParams, "unmarshal params", err)
	}
	return Decode(&s)
}

// MarshalJSON encodes params in the protobuf JSON mapping of the wire form.
func MarshalJSON(p Params) ([]byte, error) {
	s, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// UnmarshalJSON decodes the output of MarshalJSON.
func UnmarshalJSON(b []byte) (Params, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(b, &s); err != nil {
		return Params{}, cerrors.Wrap(cerrors.InvalidParams, "unmarshal params json", err)
	}
	return Decode(&s)
}

// MarshalYAML encodes the wire form as YAML for hand-edited exports.
func MarshalYAML(p Params) ([]byte, error) {
	s, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(s.AsMap())
}

// UnmarshalYAML decodes the output of MarshalYAML.
func UnmarshalYAML(b []byte) (Params, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Params{}, cerrors.Wrap(cerrors.InvalidParams, "unmarshal params yaml", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return Params{}, cerrors.Wrap(cerrors.InvalidParams, "unmarshal params yaml", err)
	}
	return Decode(s)
}

// Signature identifies the channel-relevant part of params. Two params with the same
// signature can share a channel; a changed signature requires a new setup.
func Signature(p Params) (string, error) {
	b, err := Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// reader extracts typed fields from a variant body, keeping the first type error.
type reader struct {
	kind   Kind
	fields map[string]*structpb.Value
	err    error
}

func (r *reader) fail(name, want string) {
	if r.err == nil {
		r.err = cerrors.New(cerrors.InvalidParams, fmt.Sprintf("%s.%s must be a %s", r.kind, name, want))
	}
}

func (r *reader) str(name string) string {
	v, ok := r.fields[name]
	if !ok {
		return ""
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		r.fail(name, "string")
		return ""
	}
	return s.StringValue
}

func (r *reader) boolean(name string) bool {
	v, ok := r.fields[name]
	if !ok {
		return false
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		r.fail(name, "bool")
		return false
	}
	return b.BoolValue
}

// maxExactInt bounds the integers a float64 number value holds exactly.
const maxExactInt = 1 << 53

// integer reads a decimal string or, for hand-written input, a whole number within the
// exact float64 range.
func (r *reader) integer(name string, def int) int {
	v, ok := r.fields[name]
	if !ok {
		return def
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, strconv.IntSize)
		if err != nil {
			r.fail(name, "whole number")
			return def
		}
		return int(n)
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != math.Trunc(n) || math.Abs(n) > maxExactInt {
			r.fail(name, "whole number")
			return def
		}
		return int(n)
	}
	r.fail(name, "whole number")
	return def
}

func (r *reader) duration(name string, def time.Duration) time.Duration {
	raw := r.str(name)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(name, "duration")
		return def
	}
	return d
}

func (r *reader) strings(name string) []string {
	v, ok := r.fields[name]
	if !ok {
		return nil
	}
	list := v.GetListValue()
	if list == nil {
		r.fail(name, "list")
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			r.fail(name, "list of strings")
			return nil
		}
		out = append(out, s.StringValue)
	}
	return out
}

func (r *reader) stringMap(name string) map[string]string {
	v, ok := r.fields[name]
	if !ok {
		return nil
	}
	st := v.GetStructValue()
	if st == nil {
		r.fail(name, "map")
		return nil
	}
	out := make(map[string]string, len(st.GetFields()))
	for k, item := range st.GetFields() {
		s, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			r.fail(name, "map of strings")
			return nil
		}
		out[k] = s.StringValue
	}
	return out
}

// EncodeDemo encodes demo params.
func EncodeDemo(p DemoParams) (*structpb.Struct, error) { return Encode(Demo(p)) }

// DecodeDemo decodes a demo wire form. A demo variant without fields yields the defaults.
func DecodeDemo(s *structpb.Struct) (DemoParams, error) {
	p, err := decodeKind(s, KindDemo)
	if err != nil {
		return DemoParams{}, err
	}
	return *p.Demo, nil
}

func EncodeHyper(p HyperParams) (*structpb.Struct, error) { return Encode(Hyper(p)) }

func DecodeHyper(s *structpb.Struct) (HyperParams, error) {
	p, err := decodeKind(s, KindHyper)
	if err != nil {
		return HyperParams{}, err
	}
	return *p.Hyper, nil
}

func EncodeSalesforce(p SalesforceParams) (*structpb.Struct, error) { return Encode(Salesforce(p)) }

func DecodeSalesforce(s *structpb.Struct) (SalesforceParams, error) {
	p, err := decodeKind(s, KindSalesforce)
	if err != nil {
		return SalesforceParams{}, err
	}
	return *p.Salesforce, nil
}

func EncodeTrino(p TrinoParams) (*structpb.Struct, error) { return Encode(Trino(p)) }

func DecodeTrino(s *structpb.Struct) (TrinoParams, error) {
	p, err := decodeKind(s, KindTrino)
	if err != nil {
		return TrinoParams{}, err
	}
	return *p.Trino, nil
}

func EncodeServerless(p ServerlessParams) (*structpb.Struct, error) { return Encode(Serverless(p)) }

func DecodeServerless(s *structpb.Struct) (ServerlessParams, error) {
	p, err := decodeKind(s, KindServerless)
	if err != nil {
		return ServerlessParams{}, err
	}
	return *p.Serverless, nil
}

func decodeKind(s *structpb.Struct, want Kind) (Params, error) {
	p, err := Decode(s)
	if err != nil {
		return Params{}, err
	}
	if p.Kind != want {
		return Params{}, cerrors.New(cerrors.InvalidParams, fmt.Sprintf("expected %s params, got %s", want, p.Kind))
	}
	return p, nil
}
