package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"

	"github.com/edgars/konneqt-api-gw/internal/config"
	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
)

const defaultMaxBody = 1 << 20

var errPayloadTooLarge = gwerrors.New(gwerrors.KindRejected, http.StatusRequestEntityTooLarge, "Request Entity Too Large")

// readBody buffers the request body and puts an equivalent reader back so the
// request can still be forwarded.
func readBody(r *http.Request, limit int64) ([]byte, *gwerrors.GatewayError) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	r.Body.Close()
	if err != nil {
		return nil, gwerrors.ErrBadRequest.WithDetails("failed to read request body")
	}
	if int64(len(body)) > limit {
		return nil, errPayloadTooLarge.WithDetails(fmt.Sprintf("body exceeds %d bytes", limit))
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

type payloadSettings struct {
	Fields  []string `yaml:"fields"`
	MaxBody int64    `yaml:"max_body"`
}

// payloadValidator requires a JSON body carrying every configured field.
// Fields are gjson paths, so nested members like "author.name" work.
type payloadValidator struct {
	fields  []string
	maxBody int64
}

func newPayloadValidator(raw map[string]any) (Interceptor, error) {
	s := payloadSettings{Fields: []string{"title"}, MaxBody: defaultMaxBody}
	if err := config.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if s.MaxBody <= 0 {
		s.MaxBody = defaultMaxBody
	}
	return &payloadValidator{fields: s.Fields, maxBody: s.MaxBody}, nil
}

func (v *payloadValidator) Intercept(_ context.Context, _ Stage, ex *Exchange) (*Response, error) {
	body, gerr := readBody(ex.Request, v.maxBody)
	if gerr != nil {
		return ErrorResponse(gerr), nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrorResponse(gwerrors.ErrBadRequest.WithDetails("request body is required")), nil
	}
	if !gjson.ValidBytes(body) {
		return ErrorResponse(gwerrors.ErrBadRequest.WithDetails("invalid JSON body")), nil
	}

	var missing []string
	for _, f := range v.fields {
		if !gjson.GetBytes(body, f).Exists() {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return ErrorResponse(gwerrors.ErrBadRequest.WithDetails(
			"missing field '" + strings.Join(missing, "', '") + "'")), nil
	}
	return nil, nil
}

type schemaSettings struct {
	Schema     any    `yaml:"schema"`
	SchemaFile string `yaml:"schema_file"`
	MaxBody    int64  `yaml:"max_body"`
}

// schemaValidator checks the JSON body against a compiled JSON Schema.
type schemaValidator struct {
	schema  *jsonschema.Schema
	maxBody int64
}

func newSchemaValidator(raw map[string]any) (Interceptor, error) {
	s := schemaSettings{MaxBody: defaultMaxBody}
	if err := config.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}

	var doc []byte
	switch {
	case s.SchemaFile != "":
		data, err := os.ReadFile(s.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema file: %w", err)
		}
		doc = data
	case s.Schema != nil:
		if str, ok := s.Schema.(string); ok {
			doc = []byte(str)
		} else {
			data, err := json.Marshal(s.Schema)
			if err != nil {
				return nil, fmt.Errorf("schema: %w", err)
			}
			doc = data
		}
	default:
		return nil, fmt.Errorf("schema or schema_file is required")
	}

	schema, err := compileSchema(doc)
	if err != nil {
		return nil, err
	}
	if s.MaxBody <= 0 {
		s.MaxBody = defaultMaxBody
	}
	return &schemaValidator{schema: schema, maxBody: s.MaxBody}, nil
}

func compileSchema(doc []byte) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", parsed); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

func (v *schemaValidator) Intercept(_ context.Context, _ Stage, ex *Exchange) (*Response, error) {
	body, gerr := readBody(ex.Request, v.maxBody)
	if gerr != nil {
		return ErrorResponse(gerr), nil
	}

	var instance any
	if len(bytes.TrimSpace(body)) > 0 {
		instance, gerr = decodeInstance(body)
		if gerr != nil {
			return ErrorResponse(gerr), nil
		}
	}
	if err := v.schema.Validate(instance); err != nil {
		return ErrorResponse(gwerrors.ErrBadRequest.WithDetails(err.Error())), nil
	}
	return nil, nil
}

func decodeInstance(body []byte) (any, *gwerrors.GatewayError) {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.ErrBadRequest.WithDetails("invalid JSON body")
	}
	return v, nil
}
