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

package config

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// DefaultEnvPrefix is the environment prefix consumed by the loader:
// MEZZO_FOO becomes key "foo".
const DefaultEnvPrefix = "MEZZO"

// Loader resolves flat key=value settings from four layers with fixed
// precedence: explicitly set flags beat environment variables beat
// config-file entries beat compiled defaults.
type Loader struct {
	prefix   string
	defaults map[string]string
	file     map[string]string
	env      map[string]string
	flags    map[string]string
}

// NewLoader creates a Loader reading `<prefix>_<KEY>` environment
// variables. An empty prefix selects DefaultEnvPrefix.
func NewLoader(prefix string) *Loader {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return &Loader{
		prefix:   strings.ToUpper(prefix),
		defaults: make(map[string]string),
		file:     make(map[string]string),
		env:      make(map[string]string),
		flags:    make(map[string]string),
	}
}

// SetDefault records a compiled default.
func (l *Loader) SetDefault(key, value string) {
	l.defaults[strings.ToLower(key)] = value
}

// SetFlag records an explicit command-line override.
func (l *Loader) SetFlag(key, value string) {
	l.flags[strings.ToLower(key)] = value
}

// LoadFile reads key=value lines from path. '#' starts a comment,
// surrounding whitespace is trimmed, blank lines are skipped.
func (l *Loader) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening config file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.Index(text, "#"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		parts := strings.SplitN(text, "=", 2)
		if len(parts) != 2 {
			return errors.Errorf("%s:%d: malformed line %q", path, line, text)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		l.file[key] = strings.TrimSpace(parts[1])
	}
	return scanner.Err()
}

// LoadEnviron picks the `<prefix>_<KEY>` entries out of environ (as
// returned by os.Environ).
func (l *Loader) LoadEnviron(environ []string) {
	marker := l.prefix + "_"
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], marker) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], marker))
		if key == "" {
			continue
		}
		l.env[key] = parts[1]
	}
}

// Get resolves one key through the precedence chain. The boolean
// reports whether any layer held the key.
func (l *Loader) Get(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, layer := range []map[string]string{l.flags, l.env, l.file, l.defaults} {
		if v, ok := layer[key]; ok {
			return v, true
		}
	}
	return "", false
}

// All returns every known key resolved through the precedence chain.
func (l *Loader) All() map[string]string {
	result := make(map[string]string)
	// Walk weakest layer first so stronger layers overwrite.
	for _, layer := range []map[string]string{l.defaults, l.file, l.env, l.flags} {
		for k, v := range layer {
			result[k] = v
		}
	}
	return result
}
