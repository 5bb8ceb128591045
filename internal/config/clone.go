// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Clone returns a deep copy of cfg via a gob encode/decode round trip, so
// slice fields (ExplicitProxyIPs, AllowDNS, Proxy.ResolvedIPs) never alias
// the original.
func (cfg Config) Clone() Config {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	dec := gob.NewDecoder(&buf)

	if err := enc.Encode(cfg); err != nil {
		// Config contains only plain data; encode failure means a field
		// type changed without updating this comment's assumption.
		panic(fmt.Sprintf("config: clone encode failed: %v", err))
	}

	var clone Config
	if err := dec.Decode(&clone); err != nil {
		panic(fmt.Sprintf("config: clone decode failed: %v", err))
	}
	return clone
}
