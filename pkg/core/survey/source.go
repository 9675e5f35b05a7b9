package survey

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sawt-health/sawt/pkg/core"
)

// HTTPSource loads templates from the survey-admin service.
type HTTPSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSource creates a template source against the given base URL.
func NewHTTPSource(baseURL, apiKey string) *HTTPSource {
	return &HTTPSource{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// NewHTTPSourceWithClient creates a template source with a custom HTTP client.
func NewHTTPSourceWithClient(baseURL, apiKey string, client *http.Client) *HTTPSource {
	return &HTTPSource{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: client,
	}
}

// Template fetches the survey script for the given template id.
func (s *HTTPSource) Template(ctx context.Context, id string) (*Template, error) {
	if id == "" {
		return nil, core.NewTemplateError("template id is empty", nil)
	}

	reqURL := s.baseURL + "/v1/templates/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, core.NewTemplateError("template request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, core.NewTemplateError(fmt.Sprintf("template %q not found", id), nil)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, core.NewTemplateError(
			fmt.Sprintf("template source error %d: %s", resp.StatusCode, string(body)), nil)
	}

	var tpl Template
	if err := json.NewDecoder(resp.Body).Decode(&tpl); err != nil {
		return nil, core.NewTemplateError("parse template", err)
	}
	if err := validateTemplate(&tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func validateTemplate(t *Template) error {
	if t.ID == "" {
		return core.NewTemplateError("template missing id", nil)
	}
	if len(t.Questions) == 0 {
		return core.NewTemplateError(fmt.Sprintf("template %q has no questions", t.ID), nil)
	}
	if t.Greeting == "" {
		return core.NewTemplateError(fmt.Sprintf("template %q missing greeting", t.ID), nil)
	}
	if t.Goodbye == "" {
		return core.NewTemplateError(fmt.Sprintf("template %q missing goodbye", t.ID), nil)
	}
	for i, q := range t.Questions {
		if q.Text == "" {
			return core.NewTemplateError(fmt.Sprintf("template %q question %d missing text", t.ID, i), nil)
		}
		switch q.Type {
		case QuestionYesNo, QuestionRating, QuestionOpenText:
		default:
			return core.NewTemplateError(
				fmt.Sprintf("template %q question %d has unknown type %q", t.ID, i, q.Type), nil)
		}
	}
	return nil
}
