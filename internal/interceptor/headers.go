package interceptor

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/edgars/konneqt-api-gw/internal/config"
)

type requestIDSettings struct {
	Header string `yaml:"header"`
}

// requestID makes sure the upstream sees a request id and echoes it back.
type requestID struct {
	header string
}

func newRequestID(raw map[string]any) (Interceptor, error) {
	s := requestIDSettings{Header: "X-Request-ID"}
	if err := config.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	return &requestID{header: s.Header}, nil
}

func (i *requestID) Intercept(_ context.Context, stage Stage, ex *Exchange) (*Response, error) {
	switch stage {
	case StagePre:
		if ex.Request.Header.Get(i.header) == "" {
			ex.Request.Header.Set(i.header, uuid.New().String())
		}
	case StagePost:
		if id := ex.Request.Header.Get(i.header); id != "" && ex.Response.Header.Get(i.header) == "" {
			ex.Response.Header.Set(i.header, id)
		}
	}
	return nil, nil
}

type responseTimeSettings struct {
	Header string `yaml:"header"`
}

// responseTime reports time spent since the gateway received the request.
type responseTime struct {
	header string
	now    func() time.Time
}

func newResponseTime(raw map[string]any) (Interceptor, error) {
	s := responseTimeSettings{Header: "X-Response-Time"}
	if err := config.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	return &responseTime{header: s.Header, now: time.Now}, nil
}

func (i *responseTime) Intercept(_ context.Context, _ Stage, ex *Exchange) (*Response, error) {
	elapsed := i.now().Sub(ex.Start)
	ms := float64(elapsed) / float64(time.Millisecond)
	ex.Response.Header.Set(i.header, strconv.FormatFloat(ms, 'f', 3, 64)+"ms")
	return nil, nil
}
