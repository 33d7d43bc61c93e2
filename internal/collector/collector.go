// Package collector is a development collector: it accepts coverage batches
// over HTTP and websocket, decodes them and keeps the union of the reported
// probes per test and class.
package collector

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/coverage-agent/internal/codec"
	"github.com/coral-mesh/coverage-agent/internal/constants"
	"github.com/coral-mesh/coverage-agent/pkg/probe"
)

// Routes served by Handler.
const (
	IngestPath    = "/api/data-ingest/coverage"
	WebSocketPath = "/api/data-ingest/ws"
	SummaryPath   = "/api/coverage"
)

const maxBatchBytes = 64 << 20

// Config configures a collector.
type Config struct {
	// APIKey, when set, must match the X-Api-Key header.
	APIKey string

	// Format and Compression decode websocket messages, which carry no
	// headers of their own.
	Format      string
	Compression string

	// OnPayload is called for each decoded payload. Optional.
	OnPayload func(codec.Payload)

	Logger zerolog.Logger
}

// Row is the aggregated coverage of one class within one test.
type Row struct {
	SessionID string `json:"sessionId" header:"SESSION"`
	TestID    string `json:"testId" header:"TEST"`
	Class     string `json:"class" header:"CLASS"`
	Covered   int    `json:"covered" header:"COVERED"`
	Probes    int    `json:"probes" header:"PROBES"`
}

// Stats counts what the collector received.
type Stats struct {
	Batches   int       `json:"batches"`
	Bytes     int64     `json:"bytes"`
	Rejected  int       `json:"rejected"`
	Instances []string  `json:"instances"`
	LastBatch time.Time `json:"lastBatch"`
}

type rowKey struct {
	session, test, class string
}

// Collector aggregates received coverage in memory.
type Collector struct {
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	serializersMu sync.Mutex
	serializers   map[string]*codec.Serializer

	mu        sync.Mutex
	rows      map[rowKey]*probe.Array
	stats     Stats
	instances map[string]struct{}
}

// New creates a collector.
func New(cfg Config) (*Collector, error) {
	c := &Collector{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "collector").Logger(),
		serializers: make(map[string]*codec.Serializer),
		rows:        make(map[rowKey]*probe.Array),
		instances:   make(map[string]struct{}),
	}
	// Fail fast on a bad websocket codec.
	if _, err := c.serializer(cfg.Format, cfg.Compression); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler routes ingest, websocket and summary requests.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+IngestPath, c.handleIngest)
	mux.HandleFunc("GET "+WebSocketPath, c.handleWebSocket)
	mux.HandleFunc("GET "+SummaryPath, c.handleSummary)
	return mux
}

// Ingest decodes one batch and merges it.
func (c *Collector) Ingest(batch []byte, format, compression string) (codec.Payload, error) {
	s, err := c.serializer(format, compression)
	if err != nil {
		return codec.Payload{}, err
	}
	p, err := s.Decode(batch)
	if err != nil {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		return codec.Payload{}, err
	}

	// Arrays are built outside the lock.
	arrays := make([]*probe.Array, len(p.Classes))
	for i, cls := range p.Classes {
		arrays[i] = cls.Array()
	}
	c.merge(p, arrays, len(batch))

	c.logger.Debug().
		Str("app_id", p.AppID).
		Str("instance_id", p.InstanceID).
		Int("classes", len(p.Classes)).
		Int("bytes", len(batch)).
		Msg("Coverage batch received")

	if c.cfg.OnPayload != nil {
		c.cfg.OnPayload(p)
	}
	return p, nil
}

func (c *Collector) merge(p codec.Payload, arrays []*probe.Array, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, cls := range p.Classes {
		key := rowKey{session: cls.TestSessionID, test: cls.TestID, class: cls.ClassName}
		if cur, ok := c.rows[key]; ok {
			cur.Merge(arrays[i])
		} else {
			c.rows[key] = arrays[i]
		}
	}
	c.stats.Batches++
	c.stats.Bytes += int64(size)
	c.stats.LastBatch = time.Now()
	if p.InstanceID != "" {
		c.instances[p.InstanceID] = struct{}{}
	}
}

// Summary returns the aggregated rows sorted by session, test and class.
func (c *Collector) Summary() []Row {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows := make([]Row, 0, len(c.rows))
	for k, a := range c.rows {
		rows = append(rows, Row{
			SessionID: k.session,
			TestID:    k.test,
			Class:     k.class,
			Covered:   a.Count(),
			Probes:    a.Len(),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].SessionID != rows[j].SessionID {
			return rows[i].SessionID < rows[j].SessionID
		}
		if rows[i].TestID != rows[j].TestID {
			return rows[i].TestID < rows[j].TestID
		}
		return rows[i].Class < rows[j].Class
	})
	return rows
}

// Stats returns the receive counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Instances = make([]string, 0, len(c.instances))
	for id := range c.instances {
		st.Instances = append(st.Instances, id)
	}
	sort.Strings(st.Instances)
	return st
}

// Close releases codec resources.
func (c *Collector) Close() {
	c.serializersMu.Lock()
	defer c.serializersMu.Unlock()
	for k, s := range c.serializers {
		s.Close()
		delete(c.serializers, k)
	}
}

func (c *Collector) serializer(format, compression string) (*codec.Serializer, error) {
	if compression == "" {
		compression = codec.CompressionNone
	}
	key := format + "|" + compression

	c.serializersMu.Lock()
	defer c.serializersMu.Unlock()
	if s, ok := c.serializers[key]; ok {
		return s, nil
	}
	s, err := codec.New(format, compression)
	if err != nil {
		return nil, err
	}
	c.serializers[key] = s
	return s, nil
}

func (c *Collector) authorized(r *http.Request) bool {
	if c.cfg.APIKey == "" {
		return true
	}
	got := r.Header.Get(constants.HeaderAPIKey)
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.cfg.APIKey)) == 1
}

func (c *Collector) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read batch: %v", err), http.StatusRequestEntityTooLarge)
		return
	}

	format := codec.FormatProtobuf
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		format = codec.FormatJSON
	}
	if _, err := c.Ingest(body, format, r.Header.Get("Content-Encoding")); err != nil {
		c.logger.Warn().Err(err).Msg("Rejected coverage batch")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (c *Collector) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxBatchBytes)

	logger := c.logger.With().Str("instance_id", r.Header.Get(constants.HeaderInstanceID)).Logger()
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Agent connected")

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			logger.Info().Err(err).Msg("Agent disconnected")
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if _, err := c.Ingest(data, c.cfg.Format, c.cfg.Compression); err != nil {
			logger.Warn().Err(err).Msg("Rejected coverage batch")
		}
	}
}

func (c *Collector) handleSummary(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Stats Stats `json:"stats"`
		Rows  []Row `json:"rows"`
	}{c.Stats(), c.Summary()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to write summary")
	}
}
