package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPVerifier delegates signature checks to the external payment
// collaborator. Only the boolean decision comes back.
type HTTPVerifier struct {
	url  string
	http *http.Client
}

// NewHTTPVerifier creates a verifier against the collaborator's verify
// endpoint.
func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	return &HTTPVerifier{
		url:  strings.TrimRight(baseURL, "/") + "/verify",
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, auth Authorization) (bool, error) {
	payload, err := json.Marshal(auth)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("content-type", "application/json")

	res, err := v.http.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verifier http %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}
