// Package importer bulk-loads a YAML bundle of objects, clients, codes and
// calcjobs into a store. Objects are staged into the content store first and
// referenced by label from upload paths; all metadata rows are created inside
// a single transaction, so a bad entry anywhere leaves no partial rows
// behind.
package importer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

// ─────────────────────────────────────────────────────────────────────────────
// Bundle document
// ─────────────────────────────────────────────────────────────────────────────

// Bundle is the parsed document. Every section is optional; entities may
// reference objects declared in the same bundle (by label) or content already
// in the store (by key), and codes/calcjobs may reference clients/codes
// created by an earlier import.
type Bundle struct {
	Objects  map[string]ObjectSpec `yaml:"objects"`
	Clients  []ClientSpec          `yaml:"clients"`
	Codes    []CodeSpec            `yaml:"codes"`
	CalcJobs []CalcJobSpec         `yaml:"calcjobs"`
}

// ObjectSpec declares one content object, either inline or read from a local
// file. Inline content is decoded per Encoding ("utf8" by default, or
// "base64" for binary payloads) and stored under Extension ("txt" by
// default). File-backed objects take their extension from the file name.
type ObjectSpec struct {
	Content   *string `yaml:"content"`
	Encoding  string  `yaml:"encoding"`
	Extension string  `yaml:"extension"`
	Path      string  `yaml:"path"`
}

// ClientSpec declares one remote compute endpoint.
type ClientSpec struct {
	Label           string `yaml:"label"`
	BaseURL         string `yaml:"base_url"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	TokenURL        string `yaml:"token_url"`
	MachineName     string `yaml:"machine_name"`
	WorkDir         string `yaml:"work_dir"`
	SmallFileSizeMB int    `yaml:"small_file_size_mb"`
}

// CodeSpec declares one code under the client named by ClientLabel.
type CodeSpec struct {
	Label       string              `yaml:"label"`
	ClientLabel string              `yaml:"client_label"`
	Script      string              `yaml:"script"`
	UploadPaths map[string]*PathRef `yaml:"upload_paths"`
}

// CalcJobSpec declares one calcjob under the code named by CodeLabel.
type CalcJobSpec struct {
	Label         string              `yaml:"label"`
	UUID          string              `yaml:"uuid"`
	CodeLabel     string              `yaml:"code_label"`
	Parameters    map[string]any      `yaml:"parameters"`
	UploadPaths   map[string]*PathRef `yaml:"upload_paths"`
	DownloadGlobs []string            `yaml:"download_globs"`
}

// PathRef names the content behind one upload path: an object declared in
// this bundle (Label) or a key already in the store (Key). A null ref marks
// a directory to create on the remote instead of a file to upload.
type PathRef struct {
	Label string `yaml:"label"`
	Key   string `yaml:"key"`
}

// Result reports everything one import added.
type Result struct {
	// ObjectKeys maps each declared object label to its content store key.
	ObjectKeys map[string]string

	ClientPKs  []uint
	CodePKs    []uint
	CalcJobPKs []uint
}

// ─────────────────────────────────────────────────────────────────────────────
// Entry points
// ─────────────────────────────────────────────────────────────────────────────

// Parse decodes a bundle from YAML bytes.
func Parse(data []byte) (*Bundle, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &bundle, nil
}

// Import parses and loads a YAML bundle. Objects are stored first (they are
// content-addressed, so re-running a failed import never duplicates them),
// then all clients, codes and calcjobs are created in one transaction. If
// any entry is invalid the transaction rolls back and no rows are kept;
// already-staged objects remain in the content store.
func Import(ctx context.Context, store core.Storage, objects core.ObjectStore, data []byte) (*Result, error) {
	bundle, err := Parse(data)
	if err != nil {
		return nil, err
	}

	keys, err := stageObjects(objects, bundle.Objects)
	if err != nil {
		return nil, err
	}

	res := &Result{ObjectKeys: keys}
	err = store.Transaction(ctx, func(tx core.Storage) error {
		return loadEntities(ctx, tx, objects, bundle, keys, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ImportFile loads a YAML bundle from disk. Relative ObjectSpec paths
// resolve against the current working directory, not the bundle file.
func ImportFile(ctx context.Context, store core.Storage, objects core.ObjectStore, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	return Import(ctx, store, objects, data)
}

// ─────────────────────────────────────────────────────────────────────────────
// Object staging
// ─────────────────────────────────────────────────────────────────────────────

func stageObjects(objects core.ObjectStore, specs map[string]ObjectSpec) (map[string]string, error) {
	keys := make(map[string]string, len(specs))
	labels := make([]string, 0, len(specs))
	for label := range specs {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		key, err := stageObject(objects, specs[label])
		if err != nil {
			return nil, fmt.Errorf("object %q: %w", label, err)
		}
		keys[label] = key
	}
	return keys, nil
}

func stageObject(objects core.ObjectStore, spec ObjectSpec) (string, error) {
	switch {
	case spec.Content != nil:
		data, err := decodeContent(*spec.Content, spec.Encoding)
		if err != nil {
			return "", err
		}
		ext := spec.Extension
		if ext == "" {
			ext = "txt"
		}
		return objects.Put(data, ext)

	case spec.Path != "":
		f, err := os.Open(spec.Path)
		if err != nil {
			return "", err
		}
		defer func() { _ = f.Close() }()
		ext := strings.TrimPrefix(filepath.Ext(spec.Path), ".")
		return objects.PutReader(f, ext)

	default:
		return "", errors.New("needs either content or path")
	}
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", "utf8", "utf-8":
		return []byte(content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("decode base64 content: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Entity loading
// ─────────────────────────────────────────────────────────────────────────────

func loadEntities(ctx context.Context, tx core.Storage, objects core.ObjectStore, bundle *Bundle, keys map[string]string, res *Result) error {
	for i, spec := range bundle.Clients {
		client := &core.Client{
			Label:           spec.Label,
			BaseURL:         spec.BaseURL,
			ClientID:        spec.ClientID,
			ClientSecret:    spec.ClientSecret,
			TokenURL:        spec.TokenURL,
			MachineName:     spec.MachineName,
			WorkDir:         spec.WorkDir,
			SmallFileSizeMB: spec.SmallFileSizeMB,
		}
		if err := tx.CreateClient(ctx, client); err != nil {
			return fmt.Errorf("clients[%d]: %w", i, err)
		}
		res.ClientPKs = append(res.ClientPKs, client.PK)
	}

	for i, spec := range bundle.Codes {
		if spec.ClientLabel == "" {
			return fmt.Errorf("codes[%d]: missing client_label", i)
		}
		client, err := tx.GetClientByLabel(ctx, spec.ClientLabel)
		if err != nil {
			return fmt.Errorf("codes[%d]: %w", i, err)
		}
		paths, err := resolveUploadPaths(objects, spec.UploadPaths, keys)
		if err != nil {
			return fmt.Errorf("codes[%d]: %w", i, err)
		}
		code := &core.Code{
			Label:       spec.Label,
			ClientPK:    client.PK,
			Script:      spec.Script,
			UploadPaths: paths,
		}
		if err := tx.CreateCode(ctx, code); err != nil {
			return fmt.Errorf("codes[%d]: %w", i, err)
		}
		res.CodePKs = append(res.CodePKs, code.PK)
	}

	for i, spec := range bundle.CalcJobs {
		if spec.CodeLabel == "" {
			return fmt.Errorf("calcjobs[%d]: missing code_label", i)
		}
		code, err := codeByLabel(ctx, tx, spec.CodeLabel)
		if err != nil {
			return fmt.Errorf("calcjobs[%d]: code %q: %w", i, spec.CodeLabel, err)
		}
		paths, err := resolveUploadPaths(objects, spec.UploadPaths, keys)
		if err != nil {
			return fmt.Errorf("calcjobs[%d]: %w", i, err)
		}
		calc := &core.CalcJob{
			Label:         spec.Label,
			UUID:          spec.UUID,
			CodePK:        code.PK,
			Parameters:    spec.Parameters,
			UploadPaths:   paths,
			DownloadGlobs: spec.DownloadGlobs,
		}
		if err := tx.CreateCalcJob(ctx, calc); err != nil {
			return fmt.Errorf("calcjobs[%d]: %w", i, err)
		}
		res.CalcJobPKs = append(res.CalcJobPKs, calc.PK)
	}

	return nil
}

// codeByLabel resolves a code label the way bundles reference them: across
// all clients, first match in primary-key order.
func codeByLabel(ctx context.Context, store core.Storage, label string) (*core.Code, error) {
	codes, err := store.ListCodes(ctx, labelIs(label), core.Page{Size: 1})
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, core.ErrNotFound
	}
	return codes[0], nil
}

// labelIs filters a listing to rows whose label matches exactly.
type labelIs string

func (l labelIs) Clause() (string, []any) {
	return "label = ?", []any{string(l)}
}

// ─────────────────────────────────────────────────────────────────────────────
// Upload path resolution
// ─────────────────────────────────────────────────────────────────────────────

// resolveUploadPaths converts {label: …}/{key: …} refs into content store
// keys, keeping null refs as nil (directory) entries. Every resolved key
// must already exist in the store.
func resolveUploadPaths(objects core.ObjectStore, refs map[string]*PathRef, labelToKey map[string]string) (map[string]*string, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	rels := make([]string, 0, len(refs))
	for rel := range refs {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	paths := make(map[string]*string, len(refs))
	for _, rel := range rels {
		ref := refs[rel]
		if ref == nil {
			paths[rel] = nil
			continue
		}

		var key string
		switch {
		case ref.Label != "":
			resolved, ok := labelToKey[ref.Label]
			if !ok {
				return nil, fmt.Errorf("upload path %q: object %q not declared", rel, ref.Label)
			}
			key = resolved
		case ref.Key != "":
			key = ref.Key
		default:
			return nil, fmt.Errorf("upload path %q: needs either label or key", rel)
		}

		ok, err := objects.Exists(key)
		if err != nil {
			return nil, fmt.Errorf("upload path %q: %w", rel, err)
		}
		if !ok {
			return nil, fmt.Errorf("upload path %q: object %s: %w", rel, key, core.ErrNotFound)
		}
		k := key
		paths[rel] = &k
	}
	return paths, nil
}
