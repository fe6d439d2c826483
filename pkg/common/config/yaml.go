// Copyright (c) 2026 The Mezzo Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads service configuration. Structured YAML
// sections merge file-over-file under Load; flat key=value settings
// resolve through Loader with precedence CLI > environment > config
// file > default. The two compose in the master binary: the YAML
// files named by --config are merged with Load, and selected sections
// (whitelist path, ZooKeeper servers) are then filled from the flat
// settings resolved through Loader.
package config

import (
	"io/ioutil"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ValidationError reports every field the merged config failed on,
// in deterministic field order so operators (and tests) see stable
// output.
type ValidationError struct {
	errorMap validator.ErrorMap
}

// ErrForField returns the validation error for one field, nil when
// the field passed.
func (e ValidationError) ErrForField(name string) error {
	return e.errorMap[name]
}

// Fields returns the failing field names, sorted.
func (e ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.errorMap))
	for f := range e.errorMap {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (e ValidationError) Error() string {
	parts := make([]string, 0, len(e.errorMap))
	for _, f := range e.Fields() {
		parts = append(parts, f+": "+e.errorMap[f].Error())
	}
	return "config validation failed: " + strings.Join(parts, "; ")
}

// Load merges the given YAML files into config in order (later files
// win per key), then validates the merged result. Keys that match no
// field are an error rather than silent: a typoed section must not
// fall back to defaults unnoticed.
func Load(config interface{}, files ...string) error {
	if len(files) == 0 {
		return errors.New("no config files to load")
	}
	for _, fname := range files {
		data, err := ioutil.ReadFile(fname)
		if err != nil {
			return errors.Wrapf(err, "reading %s", fname)
		}
		if err := yaml.UnmarshalStrict(data, config); err != nil {
			return errors.Wrapf(err, "parsing %s", fname)
		}
	}

	// Validation runs once on the merged result: a file may
	// legitimately be partial as long as the sum is well-formed.
	if err := validator.Validate(config); err != nil {
		errorMap, ok := err.(validator.ErrorMap)
		if !ok {
			return errors.Wrap(err, "validating config")
		}
		return ValidationError{errorMap: errorMap}
	}
	return nil
}
