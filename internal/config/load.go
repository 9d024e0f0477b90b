// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"grimm.is/fastpath/internal/errors"
)

// LoadFile reads, decodes, defaults and validates a config file. Files
// ending in .json use the HCL JSON syntax.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindNotFound, "failed to read config file"), "path", path)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return load(data, path, true)
	}
	return LoadHCL(data, path)
}

// LoadHCL decodes config from HCL bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	return load(data, filename, false)
}

func load(data []byte, filename string, isJSON bool) (*Config, error) {
	parser := hclparse.NewParser()
	var (
		file  *hcl.File
		diags hcl.Diagnostics
	)
	if isJSON {
		file, diags = parser.ParseJSON(data, filename)
	} else {
		file, diags = parser.ParseHCL(data, filename)
	}
	if diags.HasErrors() {
		return nil, errors.Attr(errors.Wrap(diags, errors.KindValidation, "failed to parse HCL"), "file", filename)
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, EvalContext(), &cfg); diags.HasErrors() {
		return nil, errors.Attr(errors.Wrap(diags, errors.KindValidation, "failed to decode HCL"), "file", filename)
	}

	if cfg.SchemaVersion != "" && cfg.SchemaVersion != CurrentSchemaVersion {
		err := errors.Errorf(errors.KindValidation, "config version %s is not supported (want %s)",
			cfg.SchemaVersion, CurrentSchemaVersion)
		return nil, errors.Attr(err, "field", "schema_version")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Attr(err, "file", filename)
	}
	return &cfg, nil
}

// EvalContext exposes the process environment as env.NAME and a few
// string functions to config expressions.
func EvalContext() *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
		Functions: map[string]function.Function{
			"lower":    stdlib.LowerFunc,
			"upper":    stdlib.UpperFunc,
			"coalesce": stdlib.CoalesceFunc,
		},
	}
}

// GenerateHCL renders cfg as formatted HCL.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return hclwrite.Format(f.Bytes())
}
