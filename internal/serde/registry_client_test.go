package serde

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry is an in-memory Confluent Schema Registry good enough for the
// client's REST surface.
type fakeRegistry struct {
	mu        sync.Mutex
	nextID    int
	ids       map[string]int // subject + "\x00" + schema
	schemas   map[int]RegisteredSchema
	conflicts map[string]bool // subjects that answer 409 on register
	failures  int             // 500s to serve before behaving
	registers int
	fetches   int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		nextID:    100,
		ids:       map[string]int{},
		schemas:   map[int]RegisteredSchema{},
		conflicts: map[string]bool{},
	}
}

func (f *fakeRegistry) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failures > 0 {
			f.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/versions"):
			subject := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/subjects/"), "/versions")
			f.registers++
			if f.conflicts[subject] {
				w.WriteHeader(http.StatusConflict)
				return
			}
			f.register(w, r, subject)
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/subjects/"):
			subject := strings.TrimPrefix(r.URL.Path, "/subjects/")
			f.lookup(w, r, subject)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/schemas/ids/"):
			f.fetches++
			id, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/schemas/ids/"))
			s, ok := f.schemas[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(s)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeRegistry) register(w http.ResponseWriter, r *http.Request, subject string) {
	var req struct {
		Schema     string `json:"schema"`
		SchemaType string `json:"schemaType"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	sig := subject + "\x00" + req.Schema
	id, ok := f.ids[sig]
	if !ok {
		f.nextID++
		id = f.nextID
		f.ids[sig] = id
		f.schemas[id] = RegisteredSchema{ID: id, Schema: req.Schema, SchemaType: req.SchemaType}
	}
	fmt.Fprintf(w, `{"id":%d}`, id)
}

func (f *fakeRegistry) lookup(w http.ResponseWriter, r *http.Request, subject string) {
	var req struct {
		Schema string `json:"schema"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	id, ok := f.ids[subject+"\x00"+req.Schema]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	fmt.Fprintf(w, `{"id":%d}`, id)
}

// seed installs a schema as if registered out of band.
func (f *fakeRegistry) seed(subject, schemaType, schema string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.ids[subject+"\x00"+schema] = id
	f.schemas[id] = RegisteredSchema{ID: id, Schema: schema, SchemaType: schemaType}
	return id
}

func newTestClient(t *testing.T, fake *fakeRegistry) *RegistryClient {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client, err := NewRegistryClient(RegistryClientConfig{BaseURL: srv.URL, Retries: 2})
	require.NoError(t, err)
	return client
}

func TestSubjectFollowsTopicRecordNameStrategy(t *testing.T) {
	assert.Equal(t, "orders-OrderCreated", Subject("orders", "OrderCreated"))
}

func TestRegisterCachesID(t *testing.T) {
	fake := newFakeRegistry()
	client := newTestClient(t, fake)
	ctx := context.Background()

	id1, err := client.Register(ctx, "orders-CloudEvent", "AVRO", cloudEventAvroSchema)
	require.NoError(t, err)
	id2, err := client.Register(ctx, "orders-CloudEvent", "AVRO", cloudEventAvroSchema)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, fake.registers, "second register should hit the cache")
}

func TestRegisterConflictResolvesToExistingID(t *testing.T) {
	fake := newFakeRegistry()
	seeded := fake.seed("orders-CloudEvent", "AVRO", cloudEventAvroSchema)
	fake.conflicts["orders-CloudEvent"] = true
	client := newTestClient(t, fake)

	id, err := client.Register(context.Background(), "orders-CloudEvent", "AVRO", cloudEventAvroSchema)
	require.NoError(t, err)
	assert.Equal(t, seeded, id)
}

func TestRegisterRetriesServerErrors(t *testing.T) {
	fake := newFakeRegistry()
	fake.failures = 2
	client := newTestClient(t, fake)

	id, err := client.Register(context.Background(), "orders-CloudEvent", "AVRO", cloudEventAvroSchema)
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestRegisterGivesUpAfterRetryBudget(t *testing.T) {
	fake := newFakeRegistry()
	fake.failures = 10
	client := newTestClient(t, fake)

	_, err := client.Register(context.Background(), "orders-CloudEvent", "AVRO", cloudEventAvroSchema)
	assert.ErrorContains(t, err, "schema registry request failed")
}

func TestSchemaByIDCaches(t *testing.T) {
	fake := newFakeRegistry()
	id := fake.seed("orders-CloudEvent", "AVRO", cloudEventAvroSchema)
	client := newTestClient(t, fake)
	ctx := context.Background()

	s, err := client.SchemaByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, cloudEventAvroSchema, s.Schema)

	_, err = client.SchemaByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.fetches)

	_, err = client.SchemaByID(ctx, 999999)
	assert.Error(t, err)
}
