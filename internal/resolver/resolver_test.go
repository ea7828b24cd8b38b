package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zerobytellc/gota/internal/gota"
)

func indexServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
}

func TestResolveSelectionDeterminism(t *testing.T) {
	server := indexServer(t, `{
		"model_a": {
			"latest": "v2",
			"v1": {"name": "n", "url": "http://u1", "md5": "m"},
			"v2": {"name": "n", "url": "http://u2", "md5": "m"}
		}
	}`)
	defer server.Close()

	r := New(WithBaseURL(server.URL))

	plan, err := r.Resolve(context.Background(), "acme", "model_a", "prod", "", "v1")
	assert.Nil(t, err)
	assert.Len(t, plan, 1)
	assert.Equal(t, "v2", plan[len(plan)-1].Version)

	// Calling again with the same inputs must return the same plan.
	plan2, err := r.Resolve(context.Background(), "acme", "model_a", "prod", "", "v1")
	assert.Nil(t, err)
	assert.Equal(t, plan, plan2)
}

func TestResolveNoUpdateWhenCurrentIsLatest(t *testing.T) {
	server := indexServer(t, `{
		"model_a": {
			"latest": "v2",
			"v1": {"name": "n", "url": "http://u1", "md5": "m"},
			"v2": {"name": "n", "url": "http://u2", "md5": "m"}
		}
	}`)
	defer server.Close()

	r := New(WithBaseURL(server.URL))

	plan, err := r.Resolve(context.Background(), "acme", "model_a", "prod", "", "v2")
	assert.Nil(t, err)
	assert.Empty(t, plan)
	assert.False(t, plan.NeedsUpdate())
}

func TestResolveApploaderOrdering(t *testing.T) {
	server := indexServer(t, `{
		"model_a": {
			"latest": "v2",
			"a1": {"name": "apploader", "url": "http://ua1", "md5": "m"},
			"v2": {"name": "app", "url": "http://u2", "md5": "m", "apploader": "a1"}
		}
	}`)
	defer server.Close()

	r := New(WithBaseURL(server.URL))

	plan, err := r.Resolve(context.Background(), "acme", "model_a", "prod", "", "v1")
	assert.Nil(t, err)
	assert.Len(t, plan, 2)
	assert.Equal(t, "a1", plan[0].Version)
	assert.Equal(t, "v2", plan[1].Version)
}

func TestResolveDeviceUnknown(t *testing.T) {
	server := indexServer(t, `{"model_a": {"latest": "v1", "v1": {"name":"n","url":"http://u","md5":"m"}}}`)
	defer server.Close()

	r := New(WithBaseURL(server.URL))

	_, err := r.Resolve(context.Background(), "acme", "model_b", "prod", "", "")
	assert.NotNil(t, err)

	var gotaErr *gota.Error
	assert.ErrorAs(t, err, &gotaErr)
	assert.Equal(t, gota.KindDeviceUnknown, gotaErr.Kind)
}

func TestResolveLatestUnknown(t *testing.T) {
	server := indexServer(t, `{
		"model_a": {
			"v1": {"name": "n", "url": "http://u1", "md5": "m"},
			"v2": {"name": "n", "url": "http://u2", "md5": "m"}
		}
	}`)
	defer server.Close()

	r := New(WithBaseURL(server.URL))

	_, err := r.Resolve(context.Background(), "acme", "model_a", "prod", "", "")
	assert.NotNil(t, err)

	var gotaErr *gota.Error
	assert.ErrorAs(t, err, &gotaErr)
	assert.Equal(t, gota.KindLatestUnknown, gotaErr.Kind)
}

func TestResolveSingleVersionWithoutLatest(t *testing.T) {
	server := indexServer(t, `{
		"model_a": {
			"v1": {"name": "n", "url": "http://u1", "md5": "m"}
		}
	}`)
	defer server.Close()

	r := New(WithBaseURL(server.URL))

	plan, err := r.Resolve(context.Background(), "acme", "model_a", "prod", "", "")
	assert.Nil(t, err)
	assert.Len(t, plan, 1)
	assert.Equal(t, "v1", plan[0].Version)
}

func TestResolveIndexUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	r := New(WithBaseURL(server.URL))

	_, err := r.Resolve(context.Background(), "acme", "model_a", "prod", "", "")
	assert.NotNil(t, err)

	var gotaErr *gota.Error
	assert.ErrorAs(t, err, &gotaErr)
	assert.Equal(t, gota.KindIndexUnavailable, gotaErr.Kind)
}

func TestResolveIndexMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	r := New(WithBaseURL(server.URL))

	_, err := r.Resolve(context.Background(), "acme", "model_a", "prod", "", "")
	assert.NotNil(t, err)

	var gotaErr *gota.Error
	assert.ErrorAs(t, err, &gotaErr)
	assert.Equal(t, gota.KindIndexMalformed, gotaErr.Kind)
}

func TestResolveNeverOrdersVersionStrings(t *testing.T) {
	// Two indices with the version keys declared in opposite order must
	// select the same "latest" because "latest" is resolved by the
	// explicit marker, never by comparing version strings.
	forward := `{"model_a": {"latest": "v2", "v1": {"name":"n","url":"http://u1","md5":"m"}, "v2": {"name":"n","url":"http://u2","md5":"m"}}}`
	reversed := `{"model_a": {"latest": "v2", "v2": {"name":"n","url":"http://u2","md5":"m"}, "v1": {"name":"n","url":"http://u1","md5":"m"}}}`

	for _, body := range []string{forward, reversed} {
		server := indexServer(t, body)
		r := New(WithBaseURL(server.URL))

		plan, err := r.Resolve(context.Background(), "acme", "model_a", "prod", "", "v1")
		assert.Nil(t, err)
		assert.Equal(t, "v2", plan[len(plan)-1].Version)

		server.Close()
	}
}

func TestResolveAllBoundedConcurrency(t *testing.T) {
	server := indexServer(t, `{
		"model_a": {"latest": "v2", "v1": {"name":"n","url":"http://u1","md5":"m"}, "v2": {"name":"n","url":"http://u2","md5":"m"}},
		"model_b": {"latest": "v1", "v1": {"name":"n","url":"http://u1","md5":"m"}}
	}`)
	defer server.Close()

	r := New(WithBaseURL(server.URL), WithMaxBatchWorkers(2))

	results, err := r.ResolveAll(context.Background(), "acme", []string{"model_a", "model_b"}, "prod", "", "")
	assert.Nil(t, err)
	assert.Len(t, results, 2)
	assert.True(t, results["model_a"].NeedsUpdate())
}

func TestResolveURLTemplate(t *testing.T) {
	var requestedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		w.Write([]byte(`{"model_a": {"latest": "v1", "v1": {"name":"n","url":"http://u","md5":"m"}}}`))
	}))
	defer server.Close()

	r := New()
	_, err := r.Resolve(context.Background(), "acme", "model_a", "beta", server.URL, "")
	assert.Nil(t, err)
	assert.Equal(t, "/acme/beta/index.json", requestedPath)
	assert.Equal(t, fmt.Sprintf("%s/acme/beta/index.json", server.URL), fmt.Sprintf("%s%s", server.URL, requestedPath))
}
