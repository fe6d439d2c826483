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

package leader

import (
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	zkScheme   = "zk://"
	fileScheme = "file://"
)

// ParseZKURL turns a discovery URL of the form
// zk://[user:password@]host1:port1,host2:port2/path into an
// ElectionConfig. A file:// URL points at a file whose (trimmed)
// contents are the actual zk:// URL, so credentials can stay out of
// the command line.
func ParseZKURL(raw string) (ElectionConfig, error) {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, fileScheme) {
		path := strings.TrimPrefix(raw, fileScheme)
		data, err := ioutil.ReadFile(path)
		if err != nil {
			return ElectionConfig{}, errors.Wrapf(err, "reading discovery url from %s", path)
		}
		indirect := strings.TrimSpace(string(data))
		if strings.HasPrefix(indirect, fileScheme) {
			return ElectionConfig{}, errors.Errorf("nested file:// indirection in %s", path)
		}
		return ParseZKURL(indirect)
	}

	if !strings.HasPrefix(raw, zkScheme) {
		return ElectionConfig{}, errors.Errorf("discovery url %q is not a zk:// url", raw)
	}
	rest := strings.TrimPrefix(raw, zkScheme)

	// Credentials are accepted for compatibility but not used for
	// authentication here.
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		log.Warn("Ignoring credentials in zk discovery url")
		rest = rest[at+1:]
	}

	slash := strings.Index(rest, "/")
	if slash < 0 {
		return ElectionConfig{}, errors.Errorf("discovery url %q has no path", raw)
	}
	hosts, root := rest[:slash], rest[slash:]
	if hosts == "" {
		return ElectionConfig{}, errors.Errorf("discovery url %q has no hosts", raw)
	}

	servers := strings.Split(hosts, ",")
	for _, server := range servers {
		if !strings.Contains(server, ":") {
			return ElectionConfig{}, errors.Errorf("zk server %q has no port", server)
		}
	}
	return ElectionConfig{ZKServers: servers, Root: root}, nil
}
