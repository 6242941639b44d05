package cafe24

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/mallreview/internal/authority"
)

func TestSubmitReview(t *testing.T) {
	var got map[string]any
	srv := newAPIServer(t, []string{"token-1"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/admin/products/1024/reviews", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		created(w, r)
	})
	c := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"token-1"}})

	entry, err := c.SubmitReview(context.Background(), Review{ProductID: " 1024 ", Score: 5, Text: "Great fit"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"product_no": "1024", "rating": float64(5), "content": "Great fit"}, got)
	assert.Equal(t, HistorySingle, entry.Kind)
	assert.Equal(t, "submitted (rating 5)", entry.Status)
	assert.Equal(t, fixedNow, entry.Timestamp)
}

func TestSubmitReviewValidation(t *testing.T) {
	srv := newAPIServer(t, []string{"t"}, created)
	c := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"t"}})

	tests := []struct {
		name   string
		review Review
	}{
		{"missing product", Review{Score: 3, Text: "ok"}},
		{"non numeric product", Review{ProductID: "../admin", Score: 3, Text: "ok"}},
		{"score too low", Review{ProductID: "1", Score: 0, Text: "ok"}},
		{"score too high", Review{ProductID: "1", Score: 6, Text: "ok"}},
		{"empty text", Review{ProductID: "1", Score: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SubmitReview(context.Background(), tt.review)
			assert.ErrorContains(t, err, "invalid review")
		})
	}
	assert.Zero(t, srv.requests.Load())
}

func TestUploadBulk(t *testing.T) {
	srv := newAPIServer(t, []string{"t"}, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/product-reviews/bulk", r.URL.Path)
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		content, err := io.ReadAll(file)
		require.NoError(t, err)

		assert.Equal(t, "reviews.xlsx", header.Filename)
		assert.Equal(t, "payload", string(content))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"successCount":3,"failureCount":1}`)
	})
	c := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"t"}})

	result, entry, err := c.UploadBulk(context.Background(), "reviews.xlsx", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, &BulkResult{FileName: "reviews.xlsx", SuccessCount: 3, FailureCount: 1}, result)
	assert.Equal(t, HistoryBulk, entry.Kind)
	assert.Equal(t, fixedNow, entry.Timestamp)
}

func TestUploadBulkLenientResponse(t *testing.T) {
	srv := newAPIServer(t, []string{"t"}, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})
	c := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"t"}})

	result, _, err := c.UploadBulk(context.Background(), "reviews.csv", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, &BulkResult{FileName: "reviews.csv"}, result)
}

func TestUploadBulkRetriesWithFreshBody(t *testing.T) {
	tokens := &fakeTokens{tokens: []string{"old", "new"}}
	srv := newAPIServer(t, []string{"new"}, func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(content))
		_, _ = io.WriteString(w, `{}`)
	})
	c := newTestClient(t, srv.URL, tokens)

	_, _, err := c.UploadBulk(context.Background(), "reviews.csv", []byte("payload"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, srv.requests.Load())
}

func TestUploadBulkRejectsEmptyInput(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", &fakeTokens{tokens: []string{"t"}})

	_, _, err := c.UploadBulk(context.Background(), "", []byte("x"))
	assert.Error(t, err)
	_, _, err = c.UploadBulk(context.Background(), "f.csv", nil)
	assert.Error(t, err)
}

func TestImportReviews(t *testing.T) {
	var mu sync.Mutex
	var products []string
	srv := newAPIServer(t, []string{"t"}, func(w http.ResponseWriter, r *http.Request) {
		var body Review
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		products = append(products, body.ProductID)
		mu.Unlock()
		created(w, r)
	})
	c := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"t"}})

	csv := "product_id,score,text\n" +
		"10,5,\"Soft, warm and well made\"\n" +
		"11,five,bad score\n" +
		"12,2,Too small\n"

	results, err := c.ImportReviews(context.Background(), strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 2, results[0].Line)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "Soft, warm and well made", results[0].Review.Text)
	assert.ErrorContains(t, results[1].Err, "invalid score")
	assert.Nil(t, results[1].Entry)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 4, results[2].Line)

	assert.Equal(t, []string{"10", "12"}, products)
}

func TestImportReviewsWithoutHeader(t *testing.T) {
	srv := newAPIServer(t, []string{"t"}, created)
	c := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"t"}})

	results, err := c.ImportReviews(context.Background(), strings.NewReader("7,3,fine\n"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Line)
	assert.NoError(t, results[0].Err)
}

func TestImportReviewsStopsWhenLoginRequired(t *testing.T) {
	srv := newAPIServer(t, nil, created)
	c := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"a", "b"}})

	results, err := c.ImportReviews(context.Background(), strings.NewReader("1,5,a\n2,5,b\n3,5,c\n"))
	assert.ErrorIs(t, err, authority.ErrReauthRequired)
	assert.Len(t, results, 1)
	assert.EqualValues(t, 2, srv.requests.Load())
}

func TestImportReviewsMalformedCSV(t *testing.T) {
	srv := newAPIServer(t, []string{"t"}, created)
	c := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"t"}})

	_, err := c.ImportReviews(context.Background(), strings.NewReader("1,5\n"))
	assert.ErrorContains(t, err, "reading CSV")
	assert.Zero(t, srv.requests.Load())
}
