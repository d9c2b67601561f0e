package model

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRequestContext_ForwardedHeaders(t *testing.T) {
	tests := []struct {
		name string
		rc   *RequestContext
		want map[string]string
	}{
		{"nil context", nil, nil},
		{"nothing to forward", &RequestContext{SubjectID: "user-1"}, map[string]string{}},
		{
			name: "caller identity",
			rc:   &RequestContext{Token: "abc", CorrelationID: "corr-1", Locale: "sw"},
			want: map[string]string{
				HeaderAuthorization:  "Bearer abc",
				HeaderCorrelationID:  "corr-1",
				HeaderAcceptLanguage: "sw",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.rc.ForwardedHeaders()); diff != "" {
				t.Errorf("headers (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRequestContextFrom(t *testing.T) {
	if RequestContextFrom(context.Background()) != nil {
		t.Error("empty context should carry no RequestContext")
	}
	rc := &RequestContext{SubjectID: "user-1"}
	if got := RequestContextFrom(WithRequestContext(context.Background(), rc)); got != rc {
		t.Errorf("RequestContextFrom = %p, want %p", got, rc)
	}
}
