// Package selectors loads the versioned map of CSS selector lists the DOM
// layer resolves semantic keys against.
package selectors

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"

	"github.com/xpzouying/tiktok-repost-cleaner/messaging"
	"github.com/xpzouying/tiktok-repost-cleaner/storage"
)

// CacheKey is the storage key of the persisted selector document.
const CacheKey = "selectorConfig"

var (
	//go:embed selectors.json
	fallbackDocument []byte
	//go:embed schema.json
	schemaDocument []byte
)

var ErrInvalidDocument = errors.New("selectors: invalid document")

// Document is the on-disk and on-wire form of the selector map.
type Document struct {
	Version   string         `json:"version"`
	Selectors map[string]any `json:"selectors"`
}

// Config serves lookups from the currently loaded document. Lookups never
// fail: an unknown key yields nil and callers treat it as "feature
// unavailable".
type Config struct {
	store     storage.Store
	remoteURL string
	override  string
	client    *http.Client
	schema    *jsonschema.Schema

	mu  sync.RWMutex
	doc Document
}

type Option func(*Config)

// WithRemoteURL sets where Reload fetches fresh documents from.
func WithRemoteURL(u string) Option {
	return func(c *Config) {
		c.remoteURL = strings.TrimSpace(u)
	}
}

// WithOverrideFile makes Watch follow a local document file.
func WithOverrideFile(path string) Option {
	return func(c *Config) {
		c.override = strings.TrimSpace(path)
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		if client != nil {
			c.client = client
		}
	}
}

// Load builds a Config from the persisted cache when present and non-empty,
// else from the bundled fallback. An override file, when configured and
// readable, wins over both.
func Load(ctx context.Context, store storage.Store, opts ...Option) (*Config, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	c := &Config{
		store:  store,
		client: &http.Client{Timeout: 15 * time.Second},
		schema: schema,
	}
	for _, opt := range opts {
		opt(c)
	}

	if doc, ok := c.loadCached(ctx); ok {
		c.doc = doc
	} else {
		doc, err := c.parse(fallbackDocument)
		if err != nil {
			return nil, errors.Wrap(err, "bundled selectors")
		}
		c.doc = doc
	}

	if c.override != "" {
		if err := c.LoadFile(ctx, c.override); err != nil {
			logrus.WithError(err).WithField("path", c.override).Warn("selector override not loaded")
		}
	}

	logrus.WithField("version", c.Version()).Info("selector config loaded")
	return c, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDocument))
	if err != nil {
		return nil, errors.Wrap(err, "parse selector schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("selectors.schema.json", doc); err != nil {
		return nil, errors.Wrap(err, "add selector schema")
	}
	schema, err := compiler.Compile("selectors.schema.json")
	return schema, errors.Wrap(err, "compile selector schema")
}

// Validate checks data against the selector schema without loading it.
func Validate(data []byte) (Document, error) {
	schema, err := compileSchema()
	if err != nil {
		return Document{}, err
	}
	return (&Config{schema: schema}).parse(data)
}

func (c *Config) loadCached(ctx context.Context) (Document, bool) {
	if c.store == nil {
		return Document{}, false
	}
	data, err := c.store.Get(ctx, CacheKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logrus.WithError(err).Warn("selector cache unreadable")
		}
		return Document{}, false
	}
	doc, err := c.parse(data)
	if err != nil {
		logrus.WithError(err).Warn("ignoring invalid selector cache")
		return Document{}, false
	}
	return doc, true
}

// parse validates data against the schema and decodes it.
func (c *Config) parse(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, errors.Wrap(ErrInvalidDocument, "empty")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Document{}, errors.Wrap(ErrInvalidDocument, err.Error())
	}
	if err := c.schema.Validate(inst); err != nil {
		return Document{}, errors.Wrap(ErrInvalidDocument, err.Error())
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, errors.Wrap(ErrInvalidDocument, err.Error())
	}
	return doc, nil
}

// Apply validates data, swaps it in and writes it to the cache.
func (c *Config) Apply(ctx context.Context, data []byte) error {
	doc, err := c.parse(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.doc.Version
	c.doc = doc
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Set(ctx, CacheKey, data); err != nil {
			logrus.WithError(err).Warn("selector cache not written")
		}
	}
	logrus.WithFields(logrus.Fields{"from": prev, "to": doc.Version}).Info("selector config swapped")
	return nil
}

// Reload fetches the remote document and applies it. On failure the current
// map stays in place.
func (c *Config) Reload(ctx context.Context) error {
	if c.remoteURL == "" {
		return errors.New("selectors: no remote url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.remoteURL, nil)
	if err != nil {
		return errors.Wrap(err, "build selector request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch selectors")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetch selectors: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read selectors")
	}
	return c.Apply(ctx, data)
}

// LoadFile applies the document stored at path.
func (c *Config) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return c.Apply(ctx, data)
}

// ReloadReply answers RELOAD_SELECTORS.
type ReloadReply struct {
	Reloaded bool   `json:"reloaded"`
	Version  string `json:"version"`
	Error    string `json:"error,omitempty"`
}

// Register answers RELOAD_SELECTORS on router. Failures are logged and
// reported, never fatal.
func (c *Config) Register(router *messaging.Router) {
	router.On(messaging.TypeReloadSelectors, func(ctx context.Context, msg messaging.Message) (any, error) {
		if err := c.Reload(ctx); err != nil {
			logrus.WithError(err).Warn("selector reload failed, keeping current map")
			return ReloadReply{Version: c.Version(), Error: err.Error()}, nil
		}
		return ReloadReply{Reloaded: true, Version: c.Version()}, nil
	})
}

func (c *Config) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doc.Version
}

// Get resolves a dotted key such as "video.nextButton". It returns a string,
// a []string, a map[string]any or nil.
func (c *Config) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var cur any = c.doc.Selectors
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[part]; !ok {
			return nil
		}
	}
	switch v := cur.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return v
			}
			out = append(out, s)
		}
		return out
	default:
		return v
	}
}

// Candidates returns the ordered selector list for key; a single string
// becomes a one-element list, anything else an empty list.
func (c *Config) Candidates(key string) []string {
	switch v := c.Get(key).(type) {
	case string:
		return []string{v}
	case []string:
		return v
	default:
		return nil
	}
}

// String returns key as a plain string, or "" if it is not one.
func (c *Config) String(key string) string {
	switch v := c.Get(key).(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
