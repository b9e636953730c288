package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowplane/pkg/engine"
)

// schemaFile is the on-disk form: either a "schemas" list or a single
// schema document. Several documents may share one file.
type schemaFile struct {
	Schemas   []schemaDoc `yaml:"schemas"`
	schemaDoc `yaml:",inline"`
}

type schemaDoc struct {
	Type                  string                   `yaml:"type"`
	Description           string                   `yaml:"description"`
	Actions               []operationDoc           `yaml:"actions"`
	States                []operationDoc           `yaml:"states"`
	Events                []engine.EventDefinition `yaml:"events"`
	Executor              engine.ExecutorConfig    `yaml:"executor"`
	ExecutionConfigSchema map[string]interface{}   `yaml:"executionConfigSchema"`
	Deleted               bool                     `yaml:"deleted"`
	CreatedBy             string                   `yaml:"createdBy"`
}

// operationDoc covers both actions and states.
type operationDoc struct {
	Name           string                 `yaml:"name"`
	Description    string                 `yaml:"description"`
	Protocol       string                 `yaml:"protocol"`
	Endpoint       string                 `yaml:"endpoint"`
	ProtocolConfig map[string]interface{} `yaml:"protocolConfig"`

	// state only
	Type           string                 `yaml:"type"`
	ValueSchema    map[string]interface{} `yaml:"valueSchema"`
	PossibleValues []string               `yaml:"possibleValues"`
	Terminal       bool                   `yaml:"terminal"`
}

// Loader reads task schemas from YAML files and directories.
type Loader struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a schema loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "schema-loader").Logger(),
	}
}

// LoadFromPaths loads every schema found under the given files and
// directories.
func (l *Loader) LoadFromPaths(paths []string) ([]*engine.TaskSchema, error) {
	var all []*engine.TaskSchema
	for _, path := range paths {
		schemas, err := l.loadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load schemas from %s: %w", path, err)
		}
		all = append(all, schemas...)
	}
	l.logger.Debug().Int("count", len(all)).Msg("Loaded task schemas")
	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]*engine.TaskSchema, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isSchemaFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var out []*engine.TaskSchema
	for _, f := range files {
		schemas, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, schemas...)
	}
	return out, nil
}

// LoadFile parses one YAML schema file. Environment references such as
// ${TOKEN} are expanded before parsing.
func LoadFile(path string) ([]*engine.TaskSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	schemas, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return schemas, nil
}

// Parse decodes YAML schema documents.
func Parse(data []byte) ([]*engine.TaskSchema, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))

	var out []*engine.TaskSchema
	for {
		var f schemaFile
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid schema document: %w", err)
		}

		docs := f.Schemas
		if len(docs) == 0 && f.Type != "" {
			docs = []schemaDoc{f.schemaDoc}
		}
		for _, d := range docs {
			s, err := d.build()
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
	}
	return out, nil
}

func (d schemaDoc) build() (*engine.TaskSchema, error) {
	if d.Type == "" {
		return nil, fmt.Errorf("schema type is required")
	}

	actions := make([]engine.ActionDefinition, 0, len(d.Actions))
	for _, a := range d.Actions {
		p, err := parseProtocol(a.Protocol)
		if err != nil {
			return nil, fmt.Errorf("task type %s: action %s: %w", d.Type, a.Name, err)
		}
		actions = append(actions, engine.ActionDefinition{
			Name:           a.Name,
			Description:    a.Description,
			Protocol:       p,
			Endpoint:       a.Endpoint,
			ProtocolConfig: a.ProtocolConfig,
		})
	}

	states := make([]engine.StateDefinition, 0, len(d.States))
	for _, st := range d.States {
		p, err := parseProtocol(st.Protocol)
		if err != nil {
			return nil, fmt.Errorf("task type %s: state %s: %w", d.Type, st.Name, err)
		}
		states = append(states, engine.StateDefinition{
			Name:           st.Name,
			Description:    st.Description,
			Type:           st.Type,
			Protocol:       p,
			Endpoint:       st.Endpoint,
			ProtocolConfig: st.ProtocolConfig,
			ValueSchema:    st.ValueSchema,
			PossibleValues: st.PossibleValues,
			Terminal:       st.Terminal,
		})
	}

	s, err := engine.NewTaskSchema(d.Type, actions, states)
	if err != nil {
		return nil, err
	}
	s.Description = d.Description
	s.Events = d.Events
	s.Executor = d.Executor
	s.ExecutionConfigSchema = d.ExecutionConfigSchema
	s.Deleted = d.Deleted
	s.CreatedBy = d.CreatedBy
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseProtocol(s string) (engine.AccessProtocol, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return engine.ParseAccessProtocol(s)
}

func isSchemaFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads schemas when files under paths change. Reloads are
// debounced and run reloadFn with the full set of file schemas.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]*engine.TaskSchema) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if !info.IsDir() {
			if err := watcher.Add(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
			}
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching schema paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]*engine.TaskSchema) error) {
	var reloadTimer *time.Timer
	const reloadDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isSchemaFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Schema file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				schemas, err := l.LoadFromPaths(paths)
				if err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload schemas, keeping previous set")
					return
				}
				if err := reloadFn(schemas); err != nil {
					l.logger.Error().Err(err).Msg("Failed to apply reloaded schemas")
					return
				}
				l.logger.Info().Int("count", len(schemas)).Msg("Task schemas reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}
