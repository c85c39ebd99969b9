package clientip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	"github.com/mediacdn/engine/internal/common/configtypes"
)

func requestWithHeaders(headers map[string]string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	for k, v := range headers {
		ctx.Request.Header.Set(k, v)
	}
	return ctx
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		cfg     *configtypes.ClientIPConfig
		want    string
	}{
		{
			name:    "x-forwarded-for single",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7"},
			want:    "203.0.113.7",
		},
		{
			name:    "x-forwarded-for chain takes first",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1, 10.0.0.2"},
			want:    "203.0.113.7",
		},
		{
			name:    "x-real-ip fallback",
			headers: map[string]string{"X-Real-IP": "198.51.100.4"},
			want:    "198.51.100.4",
		},
		{
			name:    "configured header wins",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.1", "True-Client-IP": "203.0.113.9"},
			cfg:     &configtypes.ClientIPConfig{Header: "True-Client-IP"},
			want:    "203.0.113.9",
		},
		{
			name:    "ipv6 brackets and zone stripped",
			headers: map[string]string{"X-Forwarded-For": "[2001:db8::1%eth0]"},
			want:    "2001:db8::1",
		},
		{
			name:    "no headers falls back to remote addr",
			headers: nil,
			want:    "0.0.0.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := requestWithHeaders(tt.headers)
			assert.Equal(t, tt.want, Extract(ctx, tt.cfg))
		})
	}
}
