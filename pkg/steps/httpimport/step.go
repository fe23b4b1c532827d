package httpimport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/dukex/stepflow/pkg/steps"
	"github.com/dukex/stepflow/pkg/template"
)

// Step fetches rows over HTTP.
type Step struct {
	URL         string
	Headers     map[string]string
	ItemsPath   string
	CursorField string
	CursorParam string

	client *http.Client
	logger *slog.Logger
}

func (s *Step) Run(ctx context.Context, in protocol.StepInput, progress protocol.Progress) (*result.StepResult, error) {
	target, err := s.requestURL(in)
	if err != nil {
		return nil, err
	}

	if !progress.Printf("GET %s", target) {
		return nil, protocol.ErrStopped
	}

	body, err := s.fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	rows, err := s.items(body)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Fetched rows", "url", target, "rows", len(rows))

	in.Notes.Take(models.Note{
		Message:  "fetched " + target,
		Severity: models.NoteSeverityInfo,
		Counters: models.NoteCounters{Reads: len(rows)},
	})

	if !progress.Printf("Fetched %d rows", len(rows)) {
		return nil, protocol.ErrStopped
	}

	payload, err := steps.Encode(rows)
	if err != nil {
		return nil, err
	}

	opts := []result.Option{result.WithData(payload), result.WithProcessed(len(rows))}

	if s.CursorField != "" {
		previous, _ := in.LastSuccessful.IncrementValue()

		watermark, missing := highest(rows, s.CursorField, previous)
		if missing > 0 {
			in.Notes.Take(models.Note{
				Message:  fmt.Sprintf("%d rows without '%s'", missing, s.CursorField),
				Severity: models.NoteSeverityWarning,
				Counters: models.NoteCounters{Warnings: missing},
			})
		}

		if watermark != "" {
			opts = append(opts, result.WithIncrement(watermark))
		} else {
			opts = append(opts, result.Incremental())
		}
	}

	return result.New(in.StepRunID, opts...), nil
}

func (s *Step) requestURL(in protocol.StepInput) (string, error) {
	rendered, err := template.RenderStringWithContext(s.URL, in)
	if err != nil {
		return "", protocol.NewStepError(protocol.CodeInvalidConfig, "cannot render url", err)
	}

	target, err := url.Parse(rendered)
	if err != nil {
		return "", protocol.NewStepError(protocol.CodeInvalidConfig, "invalid url", err)
	}

	if s.CursorField != "" {
		if watermark, ok := in.LastSuccessful.IncrementValue(); ok && watermark != "" {
			query := target.Query()
			query.Set(s.CursorParam, watermark)
			target.RawQuery = query.Encode()
		}
	}

	return target.String(), nil
}

func (s *Step) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, protocol.NewStepError(protocol.CodeInvalidConfig, "cannot build request", err)
	}

	req.Header.Set("Accept", "application/json")

	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, protocol.NewStepError(protocol.CodeUpstream, "http request failed", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.NewStepError(protocol.CodeUpstream, "failed to read response body", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, protocol.NewStepError(protocol.CodeUpstream,
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	return body, nil
}

func (s *Step) items(body []byte) ([]any, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, protocol.NewStepError(protocol.CodeInvalidInput, "response is not JSON", err)
	}

	if s.ItemsPath != "" {
		for _, key := range strings.Split(s.ItemsPath, ".") {
			obj, ok := decoded.(map[string]any)
			if !ok {
				return nil, protocol.NewStepError(protocol.CodeInvalidInput,
					fmt.Sprintf("'%s' not found in response", s.ItemsPath), nil)
			}

			decoded = obj[key]
		}
	}

	rows, ok := decoded.([]any)
	if !ok {
		return nil, protocol.NewStepError(protocol.CodeInvalidInput, "response is not a JSON array", nil)
	}

	return rows, nil
}

// highest returns the largest cursor value among rows, starting from the
// current watermark. Values compare numerically when both parse as numbers.
func highest(rows []any, field, current string) (string, int) {
	watermark := current
	missing := 0

	for _, row := range rows {
		obj, _ := row.(map[string]any)

		value, ok := cursorValue(obj[field])
		if !ok {
			missing++

			continue
		}

		if watermark == "" || greater(value, watermark) {
			watermark = value
		}
	}

	return watermark, missing
}

func cursorValue(v any) (string, bool) {
	switch value := v.(type) {
	case string:
		return value, value != ""
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), true
	default:
		return "", false
	}
}

func greater(a, b string) bool {
	x, errA := strconv.ParseFloat(a, 64)
	y, errB := strconv.ParseFloat(b, 64)

	if errA == nil && errB == nil {
		return x > y
	}

	return a > b
}
