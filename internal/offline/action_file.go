package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const actionFileVersion = 0

type actionDocument struct {
	Version int           `json:"version"`
	Actions []actionEntry `json:"actions"`
}

type actionEntry struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// ActionFile persists a list of actions as a JSON document.
type ActionFile struct {
	path string
}

func NewActionFile(path string) *ActionFile {
	return &ActionFile{path: path}
}

func (f *ActionFile) Path() string {
	return f.path
}

// Exists reports whether the file has been written.
func (f *ActionFile) Exists() bool {
	_, err := os.Stat(f.path)

	return err == nil
}

// Load reads the stored actions. A missing file holds no actions. Any entry
// that cannot be decoded fails the whole load with a *DecodeError.
func (f *ActionFile) Load(deserializers []Deserializer) ([]Action, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read action file: %w", err)
	}

	var doc actionDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, &DecodeError{Path: f.path, Reason: "malformed document", Err: err}
	}

	if doc.Version > actionFileVersion {
		return nil, &DecodeError{Path: f.path, Reason: fmt.Sprintf("unsupported version %d", doc.Version)}
	}

	byType := make(map[string]Deserializer, len(deserializers))
	for _, d := range deserializers {
		byType[d.Type()] = d
	}

	actions := make([]Action, 0, len(doc.Actions))

	for i, entry := range doc.Actions {
		d, ok := byType[entry.Type]
		if !ok {
			return nil, &DecodeError{
				Path:   f.path,
				Reason: fmt.Sprintf("action %d has type %q", i, entry.Type),
				Err:    ErrUnknownAction,
			}
		}

		action, err := d.Deserialize(entry.Version, entry.Payload)
		if err != nil {
			return nil, &DecodeError{Path: f.path, Reason: fmt.Sprintf("action %d", i), Err: err}
		}

		actions = append(actions, action)
	}

	return actions, nil
}

// Store replaces the file content with actions. The document is written to a
// temporary file and renamed, so readers never see a partial write.
func (f *ActionFile) Store(actions []Action) error {
	doc := actionDocument{Version: actionFileVersion, Actions: make([]actionEntry, 0, len(actions))}

	for _, a := range actions {
		payload, err := a.payload()
		if err != nil {
			return fmt.Errorf("failed to encode %s action: %w", a.Type, err)
		}

		doc.Actions = append(doc.Actions, actionEntry{Type: a.Type, Version: a.Version, Payload: payload})
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode action file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create action file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary action file: %w", err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to write action file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to sync action file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close action file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace action file: %w", err)
	}

	return nil
}
