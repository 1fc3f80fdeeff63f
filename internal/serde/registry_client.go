package serde

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RegistryClient is a thin Confluent Schema Registry REST client. It is
// process-wide and safe for concurrent use; registrations and schema
// downloads are cached so the hot produce/consume path stays off the wire.
type RegistryClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int

	mu         sync.RWMutex
	idBySig    map[string]int // subject + "\x00" + schema -> id
	schemaByID map[int]RegisteredSchema
}

// RegisteredSchema is the registry's view of one schema version.
type RegisteredSchema struct {
	ID         int    `json:"id"`
	Schema     string `json:"schema"`
	SchemaType string `json:"schemaType"` // "" means AVRO per registry convention
}

// RegistryClientConfig configures the client. Zero fields get defaults.
type RegistryClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// NewRegistryClient builds a client for the given registry URL.
func NewRegistryClient(cfg RegistryClientConfig) (*RegistryClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("schema registry url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &RegistryClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		client:     client,
		timeout:    timeout,
		retries:    retries,
		idBySig:    map[string]int{},
		schemaByID: map[int]RegisteredSchema{},
	}, nil
}

// Subject implements TopicRecordNameStrategy: "{topic}-{RecordName}", no
// -key/-value suffix, so one topic can carry several event types.
func Subject(topic, recordName string) string {
	return topic + "-" + recordName
}

// Register registers schema under subject and returns its id. A conflict
// (the schema already exists under the subject) resolves to the existing id
// and is not an error.
func (c *RegistryClient) Register(ctx context.Context, subject, schemaType, schema string) (int, error) {
	sig := subject + "\x00" + schema
	c.mu.RLock()
	if id, ok := c.idBySig[sig]; ok {
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	body, err := json.Marshal(map[string]string{
		"schema":     schema,
		"schemaType": registrySchemaType(schemaType),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal register request: %w", err)
	}

	var out struct {
		ID int `json:"id"`
	}
	status, err := c.do(ctx, http.MethodPost, "/subjects/"+subject+"/versions", body, &out)
	if err != nil {
		return 0, err
	}
	if status == http.StatusConflict {
		// Already registered under this subject; look the id up instead.
		return c.lookup(ctx, subject, schemaType, schema)
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("register %s: registry returned %d", subject, status)
	}

	c.mu.Lock()
	c.idBySig[sig] = out.ID
	c.mu.Unlock()
	return out.ID, nil
}

// lookup asks the registry for the id of an already-registered schema.
func (c *RegistryClient) lookup(ctx context.Context, subject, schemaType, schema string) (int, error) {
	body, err := json.Marshal(map[string]string{
		"schema":     schema,
		"schemaType": registrySchemaType(schemaType),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal lookup request: %w", err)
	}
	var out struct {
		ID int `json:"id"`
	}
	status, err := c.do(ctx, http.MethodPost, "/subjects/"+subject, body, &out)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("lookup %s: registry returned %d", subject, status)
	}
	c.mu.Lock()
	c.idBySig[subject+"\x00"+schema] = out.ID
	c.mu.Unlock()
	return out.ID, nil
}

// SchemaByID fetches (and caches) a schema by its global id.
func (c *RegistryClient) SchemaByID(ctx context.Context, id int) (RegisteredSchema, error) {
	c.mu.RLock()
	if s, ok := c.schemaByID[id]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	var out RegisteredSchema
	status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/schemas/ids/%d", id), nil, &out)
	if err != nil {
		return RegisteredSchema{}, err
	}
	if status != http.StatusOK {
		return RegisteredSchema{}, fmt.Errorf("schema id %d: registry returned %d", id, status)
	}
	out.ID = id
	c.mu.Lock()
	c.schemaByID[id] = out
	c.mu.Unlock()
	return out, nil
}

// do performs one JSON round trip with bounded retries on transport errors
// and 5xx responses. 4xx statuses are returned to the caller undecoded into
// an error so Register can treat 409 specially.
func (c *RegistryClient) do(ctx context.Context, method, path string, body []byte, out interface{}) (int, error) {
	var lastErr error
	attempts := c.retries + 1
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
		if err != nil {
			cancel()
			return 0, fmt.Errorf("build registry request: %w", err)
		}
		req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")
		resp, err := c.client.Do(req)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			status := resp.StatusCode
			if status >= 500 {
				resp.Body.Close()
				lastErr = fmt.Errorf("registry returned %d", status)
			} else {
				if status == http.StatusOK && out != nil {
					if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
						resp.Body.Close()
						return 0, fmt.Errorf("decode registry response: %w", err)
					}
				}
				resp.Body.Close()
				return status, nil
			}
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return 0, fmt.Errorf("schema registry request failed: %w", lastErr)
}

func registrySchemaType(t string) string {
	switch strings.ToUpper(t) {
	case "PROTOBUF":
		return "PROTOBUF"
	case "JSON":
		return "JSON"
	default:
		return "AVRO"
	}
}
