package quota

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCap(t *testing.T) {
	tests := []struct {
		name  string
		snap  Snapshot
		batch int
		want  int
	}{
		{"remaining smallest", Snapshot{Remaining: 3}, 50, 3},
		{"batch smallest", Snapshot{Remaining: 80}, 20, 20},
		{"default bound", Snapshot{Remaining: 500}, 0, DefaultBatch},
		{"batch above default", Snapshot{Remaining: 500}, 300, DefaultBatch},
		{"exhausted", Snapshot{Remaining: 0}, 50, 0},
		{"premium ignores remaining", Snapshot{Remaining: 0, IsPremium: true}, 40, 40},
		{"unlimited", Unlimited(), 0, DefaultBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cap(tt.snap, tt.batch))
		})
	}
}

func TestHTTPProviderCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/quota", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"dailyLimit":10,"dailyUsed":7,"remaining":3,"authenticated":true}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", WithToken("tok"), WithCacheTTL(time.Hour))
	first := p.Snapshot(context.Background())
	second := p.Snapshot(context.Background())

	assert.Equal(t, 3, first.Remaining)
	assert.True(t, first.Authenticated)
	assert.False(t, first.IsUnlimited())
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPProviderFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	snap := NewHTTPProvider(srv.URL).Snapshot(context.Background())
	assert.True(t, snap.IsUnlimited())

	snap = NewHTTPProvider("").Snapshot(context.Background())
	assert.True(t, snap.IsUnlimited())
}

func TestStatic(t *testing.T) {
	p := Static{Remaining: 2}
	assert.Equal(t, 2, p.Snapshot(context.Background()).Remaining)
}

func TestAllowance(t *testing.T) {
	assert.Equal(t, 3, Snapshot{Remaining: 3}.Allowance())
	assert.Equal(t, 0, Snapshot{Remaining: 0}.Allowance())
	assert.Greater(t, Unlimited().Allowance(), 1_000_000)
	assert.Greater(t, Snapshot{IsPremium: true}.Allowance(), 1_000_000)
}
