// Package vault fetches per-topic Kafka credentials by invoking a cloud
// function and projecting its response through a declarative rosetta
// mapping. This is the only place credentials exist in memory; they travel
// in redacting carriers from here on.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/model"
)

// requestTemplate is the body POSTed to the vault function. Placeholders use
// three namespaces: request-params.* (caller-supplied, the only namespace
// allowed to reference sensitive inputs), const.*, and system.*.
const requestTemplate = `{
  "principal": "{{request-params.client-principal}}",
  "topic": "{{request-params.topic}}",
  "role": "{{request-params.role}}",
  "issuer": "{{const.issuer}}",
  "environment": "{{system.environment}}",
  "requested-at": "{{system.now}}"
}`

// WorkerConfig wires one vault worker to its test.
type WorkerConfig struct {
	TestID      model.TestID
	FunctionURL string
	Environment string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Rosetta     map[string]string // field -> jq expression; nil means DefaultRosetta
	TopicsPath  string            // jq expression selecting topic docs; "" means DefaultTopicsPath
	Logger      *zap.Logger

	OnSecurity func([]model.KafkaSecurityDirective)
	OnReady    func()
	OnError    func(error)
}

// Worker invokes the vault function once per test and yields one security
// directive per topic.
type Worker struct {
	cfg     WorkerConfig
	client  *http.Client
	rosetta *Rosetta
	topics  *gojq.Query
	log     *zap.Logger

	initialized atomic.Bool
	stopped     atomic.Bool
}

// NewWorker builds a vault worker; the rosetta mapping compiles eagerly so a
// bad expression fails at construction, not mid-test.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.FunctionURL == "" {
		return nil, fmt.Errorf("vault function url required")
	}
	rosetta, err := NewRosetta(cfg.Rosetta)
	if err != nil {
		return nil, err
	}
	topicsPath := cfg.TopicsPath
	if topicsPath == "" {
		topicsPath = DefaultTopicsPath
	}
	topics, err := gojq.Parse(topicsPath)
	if err != nil {
		return nil, fmt.Errorf("parse topics path %q: %w", topicsPath, err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		cfg:     cfg,
		client:  client,
		rosetta: rosetta,
		topics:  topics,
		log:     log.Named("vault"),
	}, nil
}

// Initialize invokes the vault function for every topic in the directive.
// Idempotent: a second Initialize is ignored.
func (w *Worker) Initialize(ctx context.Context, directive model.BlockStorageDirective) {
	if !w.initialized.CompareAndSwap(false, true) {
		w.log.Debug("duplicate initialize ignored")
		return
	}
	go func() {
		directives, err := w.fetch(ctx, directive)
		if w.stopped.Load() {
			return
		}
		if err != nil {
			// The error path must stay free of credential material; only
			// status text and topic names may appear.
			w.cfg.OnError(fmt.Errorf("vault fetch: %w", err))
			return
		}
		w.cfg.OnSecurity(directives)
		w.cfg.OnReady()
	}()
}

func (w *Worker) fetch(ctx context.Context, d model.BlockStorageDirective) ([]model.KafkaSecurityDirective, error) {
	body, err := w.buildBody(d)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.cfg.FunctionURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build vault request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke vault function: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault function returned %s", resp.Status)
	}
	var doc interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}
	return w.project(doc, d)
}

// buildBody expands the request template once per topic and wraps the
// expansions in a single request document.
func (w *Worker) buildBody(d model.BlockStorageDirective) ([]byte, error) {
	consts := map[string]string{"issuer": "pipeline-harness"}
	system := map[string]string{
		"environment": w.cfg.Environment,
		"now":         time.Now().UTC().Format(time.RFC3339),
		"test-id":     w.cfg.TestID.String(),
	}
	var entries []json.RawMessage
	for _, t := range d.Topics {
		params := map[string]string{
			"client-principal": t.ClientPrincipal,
			"topic":            t.Topic,
			"role":             string(t.Role),
		}
		expanded, err := expand(requestTemplate, params, consts, system)
		if err != nil {
			return nil, fmt.Errorf("topic %s: %w", t.Topic, err)
		}
		if !json.Valid([]byte(expanded)) {
			return nil, fmt.Errorf("topic %s: expanded request body is not valid json", t.Topic)
		}
		entries = append(entries, json.RawMessage(expanded))
	}
	return json.Marshal(map[string]interface{}{"requests": entries})
}

// project runs the topics path over the response, then the rosetta over each
// topic document.
func (w *Worker) project(doc interface{}, d model.BlockStorageDirective) ([]model.KafkaSecurityDirective, error) {
	var out []model.KafkaSecurityDirective
	iter := w.topics.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("select topics: %w", err)
		}
		fields, err := w.rosetta.Project(v)
		if err != nil {
			return nil, err
		}
		sd := model.KafkaSecurityDirective{
			Topic:            fields["topic"],
			Role:             model.TopicRole(fields["role"]),
			SecurityProtocol: model.SecurityProtocol(strings.ToUpper(fields["security-protocol"])),
			JAASConfig:       model.Secret(fields["jaas-config"]),
		}
		switch sd.SecurityProtocol {
		case model.ProtocolPlaintext, model.ProtocolSASLSSL, model.ProtocolSSL, model.ProtocolSASLPlaintext:
		default:
			return nil, fmt.Errorf("topic %s: unknown security protocol %q", sd.Topic, sd.SecurityProtocol)
		}
		if _, known := d.Topic(sd.Topic); !known {
			return nil, fmt.Errorf("vault returned directive for undeclared topic %q", sd.Topic)
		}
		out = append(out, sd)
	}
	if len(out) != len(d.Topics) {
		return nil, fmt.Errorf("vault returned %d directives for %d topics", len(out), len(d.Topics))
	}
	w.log.Info("security directives issued", zap.Int("topics", len(out)))
	return out, nil
}

// Stop makes the worker drop any in-flight callbacks.
func (w *Worker) Stop() { w.stopped.Store(true) }

// expand substitutes {{namespace.key}} placeholders from the three variable
// namespaces. Unknown placeholders are an error so template drift is caught
// immediately.
func expand(tmpl string, params, consts, system map[string]string) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder near %q", rest[start:])
		}
		b.WriteString(rest[:start])
		token := strings.TrimSpace(rest[start+2 : start+end])
		rest = rest[start+end+2:]

		ns, key, found := strings.Cut(token, ".")
		if !found {
			return "", fmt.Errorf("placeholder %q has no namespace", token)
		}
		var src map[string]string
		switch ns {
		case "request-params":
			src = params
		case "const":
			src = consts
		case "system":
			src = system
		default:
			return "", fmt.Errorf("placeholder %q: unknown namespace %q", token, ns)
		}
		v, ok := src[key]
		if !ok {
			return "", fmt.Errorf("placeholder %q: no value", token)
		}
		b.WriteString(v)
	}
}
