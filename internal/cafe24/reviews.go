package cafe24

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/florianilch/mallreview/internal/authority"
)

// Review is a single product review written by the operator.
type Review struct {
	ProductID string `json:"product_no" validate:"required,number"`
	Score     int    `json:"rating" validate:"min=1,max=5"`
	Text      string `json:"content" validate:"required,max=5000"`
}

// HistoryKind distinguishes single submissions from bulk uploads.
type HistoryKind string

const (
	HistorySingle HistoryKind = "single"
	HistoryBulk   HistoryKind = "bulk"
)

// HistoryEntry records a successful submission for display.
type HistoryEntry struct {
	Kind      HistoryKind `json:"kind"`
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// BulkResult is the platform's summary of a bulk upload.
type BulkResult struct {
	FileName     string `json:"fileName"`
	SuccessCount int    `json:"successCount"`
	FailureCount int    `json:"failureCount"`
}

// SubmitReview posts one review for a product.
func (c *Client) SubmitReview(ctx context.Context, review Review) (*HistoryEntry, error) {
	review.ProductID = strings.TrimSpace(review.ProductID)
	if err := c.validate.Struct(review); err != nil {
		return nil, fmt.Errorf("invalid review: %w", err)
	}

	productNo, err := runtime.StyleParamWithLocation("simple", false, "product_no", runtime.ParamLocationPath, review.ProductID)
	if err != nil {
		return nil, fmt.Errorf("encoding product_no: %w", err)
	}
	endpoint := c.baseURL + "/admin/products/" + productNo + "/reviews"

	payload, err := json.Marshal(review)
	if err != nil {
		return nil, fmt.Errorf("encoding review: %w", err)
	}

	resp, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, false)
	if err != nil {
		return nil, err
	}
	drain(resp)

	slog.InfoContext(ctx, "review submitted", "product_no", review.ProductID, "rating", review.Score)
	return &HistoryEntry{
		Kind:      HistorySingle,
		Status:    fmt.Sprintf("submitted (rating %d)", review.Score),
		Timestamp: c.now(),
	}, nil
}

// UploadBulk uploads a review file as multipart form field "file". Missing
// fields in the platform's answer default to the file name and zero counts.
func (c *Client) UploadBulk(ctx context.Context, fileName string, content []byte) (*BulkResult, *HistoryEntry, error) {
	if fileName == "" {
		return nil, nil, errors.New("file name is required")
	}
	if len(content) == 0 {
		return nil, nil, errors.New("file is empty")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, nil, fmt.Errorf("writing form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, nil, fmt.Errorf("closing multipart body: %w", err)
	}
	form := body.Bytes()
	endpoint := c.baseURL + "/admin/product-reviews/bulk"

	resp, err := c.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, false)
	if err != nil {
		return nil, nil, err
	}
	defer drain(resp)

	result := &BulkResult{FileName: fileName}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(result); err != nil {
		slog.DebugContext(ctx, "bulk upload response is not JSON", "error", err)
	}
	if result.FileName == "" {
		result.FileName = fileName
	}

	slog.InfoContext(ctx, "bulk upload completed",
		"file", result.FileName, "succeeded", result.SuccessCount, "failed", result.FailureCount)
	return result, &HistoryEntry{
		Kind:      HistoryBulk,
		Status:    fmt.Sprintf("completed (%d succeeded, %d failed)", result.SuccessCount, result.FailureCount),
		Timestamp: c.now(),
	}, nil
}

// ImportResult is the outcome of one CSV row.
type ImportResult struct {
	Line   int
	Review Review
	Entry  *HistoryEntry
	Err    error
}

// ImportReviews submits every row of a product_id,score,text CSV, paced by the
// client's rate limit. Invalid rows are reported and skipped. Authentication
// failures and cancellation stop the import and are returned with the results so far.
func (c *Client) ImportReviews(ctx context.Context, r io.Reader) ([]ImportResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true

	var results []ImportResult
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return results, nil
		}
		if err != nil {
			return results, fmt.Errorf("reading CSV: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "product_id") {
			continue
		}

		result := ImportResult{Line: line}
		score, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			result.Err = fmt.Errorf("invalid score %q", row[1])
			results = append(results, result)
			continue
		}
		result.Review = Review{ProductID: row[0], Score: score, Text: row[2]}

		if err := c.limiter.Wait(ctx); err != nil {
			return results, err
		}

		result.Entry, result.Err = c.SubmitReview(ctx, result.Review)
		results = append(results, result)

		if errors.Is(result.Err, authority.ErrReauthRequired) || errors.Is(result.Err, authority.ErrNeedsLogin) {
			return results, result.Err
		}
	}
}
