package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"nestsync/services/sleep"
)

func TestHeaderProvider(t *testing.T) {
	const id = "5f0c2a8e-3b7d-4c1e-9a55-0d6f1e2b3c4d"
	tests := []struct {
		name    string
		p       HeaderProvider
		headers map[string]string
		want    string
		wantErr bool
	}{
		{name: "header", headers: map[string]string{AccountHeader: " alice "}, want: "alice"},
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer bob"}, want: "bob"},
		{name: "missing", headers: map[string]string{}, wantErr: true},
		{name: "basic auth ignored", headers: map[string]string{"Authorization": "Basic Ym9i"}, wantErr: true},
		{name: "uuid required", p: HeaderProvider{RequireUUID: true}, headers: map[string]string{AccountHeader: "alice"}, wantErr: true},
		{name: "uuid normalised", p: HeaderProvider{RequireUUID: true}, headers: map[string]string{AccountHeader: "5F0C2A8E-3B7D-4C1E-9A55-0D6F1E2B3C4D"}, want: id},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/sessions", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			got, err := tt.p.AccountID(r)
			if tt.wantErr {
				if !sleep.Is(err, sleep.NotAuthenticated) {
					t.Fatalf("AccountID = %q, %v; want not_authenticated", got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("AccountID = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should carry no account")
	}
	id, ok := FromContext(WithAccount(context.Background(), "alice"))
	if !ok || id != "alice" {
		t.Fatalf("FromContext = %q, %v", id, ok)
	}
}
