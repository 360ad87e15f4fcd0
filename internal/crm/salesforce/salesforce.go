// Package salesforce implements crm.Connector against the Salesforce REST
// API. The customer email is resolved to a Contact (falling back to a Lead)
// with a SOQL query, and the call is logged as a completed Task on that
// record.
package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sentinelvoice/sentinel/internal/crm"
)

const (
	defaultAPIVersion = "v59.0"
	defaultTimeout    = 10 * time.Second
)

// ErrNoMatchingContact is the soft failure returned when the customer email
// matches neither a Contact nor a Lead. Callers mark the call crm_failed and
// leave retry to reconciliation.
var ErrNoMatchingContact = errors.New("salesforce: no contact or lead matches customer email")

var _ crm.Connector = (*Connector)(nil)

// Option is a functional option for configuring a Connector.
type Option func(*Connector)

// WithAPIVersion overrides the REST API version, e.g. "v60.0".
func WithAPIVersion(v string) Option {
	return func(c *Connector) {
		c.apiVersion = v
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.httpClient.Timeout = d
	}
}

// Connector talks to one Salesforce org. Safe for concurrent use.
type Connector struct {
	instanceURL string
	accessToken string
	apiVersion  string
	httpClient  *http.Client
}

// New creates a Connector for the org at instanceURL using a pre-issued
// access token.
func New(instanceURL, accessToken string, opts ...Option) (*Connector, error) {
	if instanceURL == "" {
		return nil, errors.New("salesforce: instance URL must not be empty")
	}
	if accessToken == "" {
		return nil, errors.New("salesforce: access token must not be empty")
	}
	c := &Connector{
		instanceURL: strings.TrimRight(instanceURL, "/"),
		accessToken: accessToken,
		apiVersion:  defaultAPIVersion,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// LogCallActivity implements crm.Connector. The Task is linked to the
// customer's Contact when one matches the email, falling back to a Lead.
// An email that matches neither returns [ErrNoMatchingContact]; a missing
// email logs the activity against the agent only.
func (c *Connector) LogCallActivity(ctx context.Context, activity crm.Activity) error {
	task := map[string]any{
		"Subject":     activity.Subject,
		"Description": activity.Description,
		"Status":      "Completed",
		"TaskSubtype": "Call",
	}
	if activity.CustomerEmail != "" {
		whoID, err := c.resolveWho(ctx, activity.CustomerEmail)
		if err != nil {
			return err
		}
		if whoID == "" {
			return ErrNoMatchingContact
		}
		task["WhoId"] = whoID
	}
	return c.createTask(ctx, task)
}

// resolveWho finds the record the Task should hang off: Contact first, Lead
// as fallback. Returns "" when the email matches nothing.
func (c *Connector) resolveWho(ctx context.Context, email string) (string, error) {
	for _, object := range []string{"Contact", "Lead"} {
		id, err := c.queryIDByEmail(ctx, object, email)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}

func (c *Connector) queryIDByEmail(ctx context.Context, object, email string) (string, error) {
	soql := fmt.Sprintf("SELECT Id FROM %s WHERE Email = '%s' LIMIT 1",
		object, escapeSOQL(email))
	endpoint := fmt.Sprintf("%s/services/data/%s/query?q=%s",
		c.instanceURL, c.apiVersion, url.QueryEscape(soql))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("salesforce: create query request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("salesforce: query %s: %w", object, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("salesforce: query %s returned HTTP %d: %s",
			object, resp.StatusCode, snippet(resp.Body))
	}

	var result struct {
		Records []struct {
			ID string `json:"Id"`
		} `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("salesforce: parse query response: %w", err)
	}
	if len(result.Records) == 0 {
		return "", nil
	}
	return result.Records[0].ID, nil
}

func (c *Connector) createTask(ctx context.Context, task map[string]any) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("salesforce: marshal task: %w", err)
	}
	endpoint := fmt.Sprintf("%s/services/data/%s/sobjects/Task", c.instanceURL, c.apiVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("salesforce: create task request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("salesforce: create task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("salesforce: create task returned HTTP %d: %s",
			resp.StatusCode, snippet(resp.Body))
	}
	return nil
}

// escapeSOQL escapes the characters SOQL treats specially inside a quoted
// string literal.
func escapeSOQL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
