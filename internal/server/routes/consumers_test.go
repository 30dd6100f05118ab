package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-cache/internal/cache"
	"github.com/any-hub/any-cache/internal/controller"
	"github.com/any-hub/any-cache/internal/fetch"
)

func TestConsumerAPIFetchesAndServesAsset(t *testing.T) {
	h := newAPIHarness(t)

	created := h.do(t, "POST", "/consumers", `{"uri":"`+h.upstream.URL+`/img/logo.png"}`)
	if created.status != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", created.status, created.body)
	}
	id := created.payload(t).ID
	if id == "" {
		t.Fatalf("expected consumer id")
	}

	deadline := time.Now().Add(3 * time.Second)
	var asset apiResponse
	for time.Now().Before(deadline) {
		asset = h.do(t, "GET", "/consumers/"+id+"/asset", "")
		if asset.status == fiber.StatusOK {
			break
		}
		if asset.status != fiber.StatusAccepted {
			t.Fatalf("unexpected asset status %d (%s)", asset.status, asset.body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if asset.status != fiber.StatusOK || asset.body != "png-bytes" {
		t.Fatalf("asset not served: %d %q", asset.status, asset.body)
	}
	if ct := asset.header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}

	st := h.do(t, "GET", "/consumers/"+id, "").payload(t).State
	if !st.Renderable() || st.CachedPath == "" {
		t.Fatalf("expected renderable state, got %+v", st)
	}
}

func TestConsumerAPIRejectsInvalidLocator(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, "POST", "/consumers", `{"uri":"http://"}`)
	if resp.status != fiber.StatusBadRequest || !strings.Contains(resp.body, "invalid_locator") {
		t.Fatalf("expected invalid_locator 400, got %d (%s)", resp.status, resp.body)
	}
	bad := h.do(t, "POST", "/consumers", `{"uri":`)
	if bad.status != fiber.StatusBadRequest {
		t.Fatalf("malformed body should be 400, got %d", bad.status)
	}
}

func TestConsumerAPISetSourceAndDestroy(t *testing.T) {
	h := newAPIHarness(t)

	id := h.do(t, "POST", "/consumers", `{"uri":"file:///local.png"}`).payload(t).ID
	if asset := h.do(t, "GET", "/consumers/"+id+"/asset", ""); asset.status != fiber.StatusNotFound {
		t.Fatalf("local source has no cached asset, got %d", asset.status)
	}

	updated := h.do(t, "PUT", "/consumers/"+id+"/source", `{"uri":"`+h.upstream.URL+`/missing.png"}`)
	if updated.status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", updated.status, updated.body)
	}
	if st := updated.payload(t).State; !st.IsRemote {
		t.Fatalf("remote source should be flagged, got %+v", st)
	}

	if resp := h.do(t, "DELETE", "/consumers/"+id, ""); resp.status != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.status)
	}
	if resp := h.do(t, "DELETE", "/consumers/"+id, ""); resp.status != fiber.StatusNotFound {
		t.Fatalf("second delete should be 404, got %d", resp.status)
	}
	if resp := h.do(t, "GET", "/consumers/"+id, ""); resp.status != fiber.StatusNotFound {
		t.Fatalf("destroyed consumer should be gone, got %d", resp.status)
	}
	if resp := h.do(t, "PUT", "/consumers/"+id+"/source", `{"uri":"file:///x"}`); resp.status != fiber.StatusNotFound {
		t.Fatalf("set source on missing consumer should be 404, got %d", resp.status)
	}
}

type apiHarness struct {
	app      *fiber.App
	upstream *httptest.Server
}

type apiResponse struct {
	status int
	body   string
	header http.Header
}

func (r apiResponse) payload(t *testing.T) consumerPayload {
	t.Helper()
	var p consumerPayload
	if err := json.Unmarshal([]byte(r.body), &p); err != nil {
		t.Fatalf("decode payload %q: %v", r.body, err)
	}
	return p
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/img/logo.png" {
			http.NotFound(w, r)
			return
		}
		body := []byte("png-bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(upstream.Close)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	registry, err := controller.NewRegistry(controller.Options{
		Store:      store,
		Downloader: fetch.NewHTTPDownloader(upstream.Client(), fetch.HTTPDownloaderOptions{}),
	})
	if err != nil {
		t.Fatalf("registry init failed: %v", err)
	}
	t.Cleanup(registry.Close)

	app := fiber.New()
	RegisterConsumerRoutes(app, ConsumerAPI{Consumers: registry, Store: store})
	return &apiHarness{app: app, upstream: upstream}
}

func (h *apiHarness) do(t *testing.T, method, target, body string) apiResponse {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	return apiResponse{status: resp.StatusCode, body: string(data), header: resp.Header}
}
