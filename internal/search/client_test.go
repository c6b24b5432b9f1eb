package search

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/cache"
	"github.com/puretext/puretext/internal/check"
	"github.com/puretext/puretext/internal/classify"
	"github.com/puretext/puretext/internal/hash/sha256"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	searchCache := cache.New(cache.Config{
		SearchTTL:   time.Hour,
		AcademicTTL: time.Hour,
		NewsTTL:     time.Hour,
		StandardTTL: time.Hour,
		MetadataTTL: time.Hour,
	}, sha256.New(), stubClock{now: time.Unix(1700000000, 0)}, zap.NewNop())
	return New(cfg, searchCache, classify.NewDefault(), zap.NewNop())
}

func TestSearchUsesAPIAndCachesResults(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		calls  int
		params map[string]string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		params = map[string]string{
			"key": r.URL.Query().Get("key"),
			"cx":  r.URL.Query().Get("cx"),
			"q":   r.URL.Query().Get("q"),
			"num": r.URL.Query().Get("num"),
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[
			{"link":"https://news.example.com/story","title":"Story","snippet":"about things"},
			{"link":"https://journal.springer.com/article/9","title":"Paper","snippet":"a study"}
		]}`)
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, Config{
		Endpoint: server.URL,
		APIKey:   "api-key",
		EngineID: "engine-1",
	})

	results := client.Search(context.Background(), "distinctive query")
	require.Len(t, results, 2)
	require.Equal(t, "https://journal.springer.com/article/9", results[0].URL)
	require.Equal(t, "https://news.example.com/story", results[1].URL)

	mu.Lock()
	require.Equal(t, 1, calls)
	require.Equal(t, "api-key", params["key"])
	require.Equal(t, "engine-1", params["cx"])
	require.Equal(t, "distinctive query", params["q"])
	require.Equal(t, "8", params["num"])
	mu.Unlock()

	// Second query is served from the cache.
	again := client.Search(context.Background(), "distinctive query")
	require.Equal(t, results, again)
	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()
}

func TestSearchFiltersUnusableHits(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[
			{"link":"https://www.facebook.com/some-page","title":"Social"},
			{"link":"https://shop.example.com/cart/checkout","title":"Cart"},
			{"link":"https://example.com/account/login","title":"Login"},
			{"link":"https://files.example.com/paper.pdf","title":"PDF"},
			{"link":"https://example.com/essay","title":"Essay"},
			{"link":"https://example.com/essay","title":"Duplicate"},
			{"link":"ftp://example.com/listing","title":"FTP"}
		]}`)
	}))
	t.Cleanup(server.Close)

	client := newTestClient(t, Config{
		Endpoint: server.URL,
		APIKey:   "k",
		EngineID: "e",
	})

	results := client.Search(context.Background(), "filter me")
	require.Len(t, results, 1)
	require.Equal(t, "https://example.com/essay", results[0].URL)
	require.Equal(t, "Essay", results[0].Title)
}

func TestSearchFallsBackToBing(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		gotQuery string
	)
	bing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotQuery = r.URL.Query().Get("q")
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><ol id="b_results">
			<li class="b_algo"><h2><a href="https://journal.example.edu/article/1">Deep Learning Study</a></h2>
				<div class="b_caption"><p>A study of deep learning methods.</p></div></li>
			<li class="b_algo"><h2><a href="https://blog.example.com/post">Casual Post</a></h2>
				<div class="b_caption"><p>A casual writeup.</p></div></li>
		</ol></body></html>`)
	}))
	t.Cleanup(bing.Close)

	client := newTestClient(t, Config{BingURL: bing.URL + "/search"})

	results := client.Search(context.Background(), "deep learning methods")
	mu.Lock()
	require.Equal(t, "deep learning methods", gotQuery)
	mu.Unlock()
	require.Len(t, results, 2)
	// The .edu hit ranks ahead of the blog.
	require.Equal(t, "https://journal.example.edu/article/1", results[0].URL)
	require.Equal(t, "Deep Learning Study", results[0].Title)
	require.Equal(t, "A study of deep learning methods.", results[0].Snippet)
	require.Equal(t, "https://blog.example.com/post", results[1].URL)
}

func TestSearchFallsBackToDDGAndUnwrapsRedirects(t *testing.T) {
	t.Parallel()

	bing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><p>no results</p></body></html>`)
	}))
	t.Cleanup(bing.Close)

	ddg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<div class="result">
				<a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fessay&rut=abc">Essay Source</a>
				<a class="result__snippet">Matching passage of text.</a>
			</div>
		</body></html>`)
	}))
	t.Cleanup(ddg.Close)

	client := newTestClient(t, Config{BingURL: bing.URL, DDGURL: ddg.URL})

	results := client.Search(context.Background(), "essay passage")
	require.Len(t, results, 1)
	require.Equal(t, "https://example.com/essay", results[0].URL)
	require.Equal(t, "Essay Source", results[0].Title)
	require.Equal(t, "Matching passage of text.", results[0].Snippet)
}

func TestSearchTerminalEncyclopediaFallback(t *testing.T) {
	t.Parallel()

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body></body></html>`)
	}))
	t.Cleanup(empty.Close)

	client := newTestClient(t, Config{BingURL: empty.URL, DDGURL: empty.URL})

	results := client.Search(context.Background(), "rare obscure topic")
	require.Len(t, results, 1)
	require.Equal(t, "https://en.wikipedia.org/wiki/rare_obscure_topic", results[0].URL)
	require.Equal(t, "Wikipedia - rare obscure topic", results[0].Title)
}

func TestSearchEmptyQuery(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, Config{BingURL: "http://127.0.0.1:1", DDGURL: "http://127.0.0.1:1"})
	require.Nil(t, client.Search(context.Background(), "   "))
}

func TestResolveDDGLink(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://example.com/a",
		resolveDDGLink("//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fa&rut=xyz"))
	require.Equal(t, "https://plain.example.com/b",
		resolveDDGLink("https://plain.example.com/b"))
	require.Equal(t, "", resolveDDGLink(""))
}

func TestWinnowCapsResults(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, Config{MaxResults: 2})
	hits := make([]check.SearchResult, 0, 5)
	for i := 0; i < 5; i++ {
		hits = append(hits, check.SearchResult{URL: fmt.Sprintf("https://example.com/p%d", i)})
	}
	kept := client.winnow(hits)
	require.Len(t, kept, 2)
}
