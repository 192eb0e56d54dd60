package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fks-trading/fks-data/internal/market"
)

// NewsAPI serves article search from newsapi.org: "everything" keyed by
// a symbol-derived query, and "top-headlines" by category/country.
// Articles normalize to Event rows of kind "news".
type NewsAPI struct {
	BaseURL string
	APIKey  string
}

// NewNewsAPI builds the adapter.
func NewNewsAPI(apiKey string) *NewsAPI {
	return &NewsAPI{BaseURL: "https://newsapi.org/v2", APIKey: apiKey}
}

func (n *NewsAPI) Name() string        { return "newsapi" }
func (n *NewsAPI) DefaultRPS() float64 { return 1 }

func (n *NewsAPI) TTLFor(req Request) time.Duration { return 900 * time.Second }

func (n *NewsAPI) BuildRequest(req Request) (string, url.Values, http.Header, error) {
	if n.APIKey == "" {
		return "", nil, nil, fmt.Errorf("NEWS_API_KEY not configured")
	}
	q := url.Values{}
	q.Set("apiKey", n.APIKey)
	pageSize := req.Limit
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	q.Set("pageSize", strconv.Itoa(pageSize))

	var path string
	switch req.Op {
	case "", "everything":
		path = "/everything"
		query := req.Param("query", "")
		if query == "" {
			if req.Symbol == "" {
				return "", nil, nil, fmt.Errorf("symbol or query required")
			}
			query = fmt.Sprintf("%q OR %q", req.Symbol, "$"+req.Symbol)
		}
		q.Set("q", query)
		q.Set("language", req.Param("language", "en"))
		q.Set("sortBy", req.Param("sort_by", "publishedAt"))
		end := req.End
		if end == 0 {
			end = time.Now().Unix()
		}
		start := req.Start
		if start == 0 {
			start = end - 30*86400
		}
		q.Set("from", time.Unix(start, 0).UTC().Format("2006-01-02"))
		q.Set("to", time.Unix(end, 0).UTC().Format("2006-01-02"))
	case "top-headlines":
		path = "/top-headlines"
		q.Set("category", req.Param("category", "business"))
		q.Set("country", req.Param("country", "us"))
	default:
		return "", nil, nil, fmt.Errorf("unsupported op %q", req.Op)
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+n.APIKey)
	return n.BaseURL + path, q, h, nil
}

func (n *NewsAPI) Normalize(payload []byte, req Request) (*market.Result, error) {
	var body struct {
		Status   string `json:"status"`
		Code     string `json:"code"`
		Message  string `json:"message"`
		Articles []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			URL         string `json:"url"`
			URLToImage  string `json:"urlToImage"`
			PublishedAt string `json:"publishedAt"`
			Source      struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, market.NewFetchError(n.Name(), "unexpected payload shape: %v", err)
	}
	if body.Status != "ok" {
		fe := market.NewFetchError(n.Name(), "API error %s: %s", body.Code, body.Message)
		fe.Retryable = body.Code == "rateLimited"
		return nil, fe
	}

	res := &market.Result{Provider: n.Name(), Request: req.Echo()}
	for _, article := range body.Articles {
		ts, err := market.ToUnixSeconds(article.PublishedAt)
		if err != nil {
			continue
		}
		res.Events = append(res.Events, market.Event{
			Ts: ts, Kind: "news", Symbol: req.Symbol,
			Fields: map[string]interface{}{
				"title":        article.Title,
				"description":  article.Description,
				"url":          article.URL,
				"image_url":    article.URLToImage,
				"source":       article.Source.Name,
				"source_id":    article.Source.ID,
				"published_at": article.PublishedAt,
			},
		})
	}
	return res, nil
}
